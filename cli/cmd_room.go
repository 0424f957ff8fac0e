package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaot623/coderoom/internal/client"
	"github.com/xiaot623/coderoom/internal/editor"
)

func init() {
	rootCmd.AddCommand(createCmd, joinCmd)

	createCmd.Flags().Bool("enter", false, "join the new room right away")
	for _, c := range []*cobra.Command{createCmd, joinCmd} {
		c.Flags().String("language", "javascript", "language until the room reports one")
		c.Flags().Bool("reconnect", true, "reconnect after an unexpected disconnect")
	}
}

type globalFlags struct {
	relay string
	api   string
	token client.StaticToken
}

func flagsOf(cmd *cobra.Command) globalFlags {
	relay, _ := cmd.Flags().GetString("relay")
	api, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")
	return globalFlags{relay: relay, api: api, token: client.StaticToken(token)}
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		g := flagsOf(cmd)
		token, err := g.token.Token(cmd.Context())
		if err != nil {
			return fmt.Errorf("create requires --token: %w", err)
		}

		roomID, err := client.NewControlPlane(g.api).CreateRoom(cmd.Context(), token)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Room %s created.\n", roomID)

		if enter, _ := cmd.Flags().GetBool("enter"); enter {
			return runRoom(cmd, g, roomID)
		}
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <room_id>",
	Short: "Join a room and edit it from the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g := flagsOf(cmd)
		roomID := args[0]

		// Signed-in users register their membership; viewers go straight to the relay.
		if token, err := g.token.Token(cmd.Context()); err == nil {
			if err := client.NewControlPlane(g.api).JoinRoom(cmd.Context(), token, roomID); err != nil {
				if errors.Is(err, client.ErrRoomNotFound) {
					return fmt.Errorf("room %s does not exist", roomID)
				}
				return err
			}
		} else {
			fmt.Fprintln(os.Stdout, "No token given, joining as a viewer.")
		}

		return runRoom(cmd, g, roomID)
	},
}

// runRoom connects a participant to roomID and drives it from stdin until /quit,
// end of input or an interrupt.
func runRoom(cmd *cobra.Command, g globalFlags, roomID string) error {
	language, _ := cmd.Flags().GetString("language")
	reconnect, _ := cmd.Flags().GetBool("reconnect")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := client.NewSession(client.SessionOptions{
		URL:         g.relay,
		Credentials: g.token,
		Reconnect:   reconnect,
	})
	defer session.Close()

	buf := editor.NewBuffer("")
	term := newTerminal(os.Stdout, buf)

	p := client.NewParticipant(client.ParticipantOptions{
		RoomID:          roomID,
		Session:         session,
		Editor:          buf,
		ControlPlane:    client.NewControlPlane(g.api),
		Credentials:     g.token,
		DefaultLanguage: language,
		Observer:        term.observer(),
	})
	term.participant = p

	if err := p.Join(ctx); err != nil {
		return err
	}
	defer p.Leave()

	fmt.Fprintf(os.Stdout, "Joined room %s. Type /help for commands.\n", roomID)
	return term.run(ctx, os.Stdin)
}
