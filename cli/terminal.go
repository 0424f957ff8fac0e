package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/xiaot623/coderoom/internal/client"
	"github.com/xiaot623/coderoom/internal/editor"
	"github.com/xiaot623/coderoom/internal/presence"
)

const helpText = `Commands:
  /type <text>     insert text at the cursor
  /enter           insert a line break at the cursor
  /goto <line> <col>  move the cursor
  /show            print the document
  /lang <language> change the room language
  /run             run the document
  /output          print the last execution output
  /who             list the other members
  /quit            leave the room
Anything else is sent as chat.`

// room is the part of a participant the terminal drives.
type room interface {
	ChangeLanguage(language string) error
	SendChat(text string) error
	RequestExecution(ctx context.Context) error
	Do(fn func(client.Editor)) bool
	Peers() []presence.Entry
	Language() string
	Output() string
}

var errQuit = errors.New("quit")

// terminal renders room events and turns input lines into participant actions.
type terminal struct {
	mu          sync.Mutex
	out         io.Writer
	buf         *editor.Buffer
	participant room
}

func newTerminal(out io.Writer, buf *editor.Buffer) *terminal {
	return &terminal{out: out, buf: buf}
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) observer() client.Observer {
	return client.Observer{
		OnChat: func(e client.ChatEntry) {
			t.printf("[%s] %s\n", e.Sender, e.Text)
		},
		OnLanguage: func(language string) {
			t.printf("* language is now %s\n", language)
		},
		OnOutput: func(output string) {
			t.printf("* output:\n%s\n", output)
		},
		OnPresence: func(peers []presence.Entry) {
			t.printf("* %d other member(s) in the room\n", len(peers))
		},
		OnLifecycle: func(state client.Lifecycle) {
			t.printf("* %s\n", state)
		},
	}
}

// run reads commands from in until /quit, end of input or ctx is done.
func (t *terminal) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			t.printf("Interrupted\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := t.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					t.printf("Bye!\n")
					return nil
				}
				t.printf("! %v\n", err)
			}
		}
	}
}

// handle executes one input line.
func (t *terminal) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return t.participant.SendChat(line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return errQuit
	case "/help":
		t.printf("%s\n", helpText)
	case "/type":
		if arg == "" {
			return errors.New("usage: /type <text>")
		}
		return t.edit(func() error { return t.buf.Type(arg) })
	case "/enter":
		return t.edit(func() error { return t.buf.Type("\n") })
	case "/goto":
		fields := strings.Fields(arg)
		if len(fields) != 2 {
			return errors.New("usage: /goto <line> <col>")
		}
		line, err1 := strconv.Atoi(fields[0])
		col, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil || line < 1 || col < 1 {
			return errors.New("line and column must be positive numbers")
		}
		return t.edit(func() error {
			t.buf.SetCursor(editor.Position{LineNumber: line, Column: col})
			return nil
		})
	case "/show":
		t.printf("%s", numbered(t.buf.Value()))
	case "/lang":
		if arg == "" {
			t.printf("language: %s\n", t.participant.Language())
			return nil
		}
		return t.participant.ChangeLanguage(arg)
	case "/run":
		if err := t.participant.RequestExecution(ctx); err != nil {
			if errors.Is(err, client.ErrAuthenticationMissing) {
				return errors.New("sign in (--token) to run code")
			}
			return err
		}
	case "/output":
		t.printf("%s\n", t.participant.Output())
	case "/who":
		peers := t.participant.Peers()
		if len(peers) == 0 {
			t.printf("nobody else is here\n")
		}
		for _, p := range peers {
			name := p.UserID
			if name == "" {
				name = "anonymous"
			}
			t.printf("  %s (%s) %s\n", name, p.Color, cursorOf(p))
		}
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

// edit runs fn on the participant's dispatcher so local edits are ordered with
// remote ones.
func (t *terminal) edit(fn func() error) error {
	errc := make(chan error, 1)
	if !t.participant.Do(func(client.Editor) { errc <- fn() }) {
		return client.ErrTransportUnavailable
	}
	return <-errc
}

func numbered(text string) string {
	var b strings.Builder
	for i, line := range strings.Split(text, "\n") {
		fmt.Fprintf(&b, "%4d | %s\n", i+1, line)
	}
	return b.String()
}

func cursorOf(p presence.Entry) string {
	if p.LineNumber == 0 {
		return ""
	}
	return fmt.Sprintf("at %d:%d", p.LineNumber, p.Column)
}
