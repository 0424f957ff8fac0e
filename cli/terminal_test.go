package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/coderoom/internal/client"
	"github.com/xiaot623/coderoom/internal/editor"
	"github.com/xiaot623/coderoom/internal/presence"
)

type fakeRoom struct {
	buf      *editor.Buffer
	chat     []string
	language string
	runs     int
	runErr   error
	peers    []presence.Entry
}

func (f *fakeRoom) ChangeLanguage(language string) error { f.language = language; return nil }
func (f *fakeRoom) SendChat(text string) error           { f.chat = append(f.chat, text); return nil }
func (f *fakeRoom) RequestExecution(context.Context) error {
	f.runs++
	return f.runErr
}
func (f *fakeRoom) Do(fn func(client.Editor)) bool { fn(f.buf); return true }
func (f *fakeRoom) Peers() []presence.Entry        { return f.peers }
func (f *fakeRoom) Language() string               { return f.language }
func (f *fakeRoom) Output() string                 { return "" }

func newTestTerminal() (*terminal, *fakeRoom, *bytes.Buffer) {
	out := &bytes.Buffer{}
	buf := editor.NewBuffer("")
	term := newTerminal(out, buf)
	fake := &fakeRoom{buf: buf, language: "javascript"}
	term.participant = fake
	return term, fake, out
}

func TestTerminalEditing(t *testing.T) {
	term, _, out := newTestTerminal()
	ctx := context.Background()

	require.NoError(t, term.handle(ctx, "/type let a = 1"))
	require.NoError(t, term.handle(ctx, "/enter"))
	require.NoError(t, term.handle(ctx, "/type a++"))
	assert.Equal(t, "let a = 1\na++", term.buf.Value())

	require.NoError(t, term.handle(ctx, "/goto 1 1"))
	require.NoError(t, term.handle(ctx, "/type // "))
	assert.Equal(t, "// let a = 1\na++", term.buf.Value())

	require.NoError(t, term.handle(ctx, "/show"))
	assert.Contains(t, out.String(), "   2 | a++")
}

func TestTerminalCommands(t *testing.T) {
	term, fake, out := newTestTerminal()
	ctx := context.Background()

	require.NoError(t, term.handle(ctx, "  hello there  "))
	require.NoError(t, term.handle(ctx, ""))
	assert.Equal(t, []string{"hello there"}, fake.chat)

	require.NoError(t, term.handle(ctx, "/lang python"))
	assert.Equal(t, "python", fake.language)

	require.NoError(t, term.handle(ctx, "/run"))
	assert.Equal(t, 1, fake.runs)

	fake.runErr = client.ErrAuthenticationMissing
	err := term.handle(ctx, "/run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--token")

	fake.peers = []presence.Entry{{SID: "s1", UserID: "bob", Color: "#FF6B6B", LineNumber: 3, Column: 4}}
	require.NoError(t, term.handle(ctx, "/who"))
	assert.Contains(t, out.String(), "bob (#FF6B6B) at 3:4")

	assert.ErrorIs(t, term.handle(ctx, "/quit"), errQuit)
	assert.Error(t, term.handle(ctx, "/goto x 1"))
	assert.Error(t, term.handle(ctx, "/type"))
	assert.Error(t, term.handle(ctx, "/teleport"))
}

func TestTerminalRunStopsOnQuit(t *testing.T) {
	term, fake, out := newTestTerminal()

	err := term.run(context.Background(), strings.NewReader("hi\n/quit\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, fake.chat)
	assert.Contains(t, out.String(), "Bye!")
}
