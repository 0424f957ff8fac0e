// Package main provides a terminal participant for coderoom rooms.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "coderoom",
	Short:         "Join collaborative code rooms from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("relay", envOr("CODEROOM_RELAY", "ws://localhost:8090/ws"), "relay websocket address")
	rootCmd.PersistentFlags().String("api", envOr("CODEROOM_API", "http://localhost:8000"), "control plane address")
	rootCmd.PersistentFlags().String("token", os.Getenv("CODEROOM_TOKEN"), "bearer token of the signed-in user")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log.SetFlags(log.Ltime)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
