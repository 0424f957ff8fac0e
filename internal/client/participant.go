package client

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/coderoom/internal/editor"
	"github.com/xiaot623/coderoom/internal/presence"
	"github.com/xiaot623/coderoom/internal/protocol"
)

// ExecutingPlaceholder is shown as output while a run-request is in flight.
const ExecutingPlaceholder = "Executing code..."

// Editor is the local editing surface a participant drives.
type Editor interface {
	Surface
	OnDidChangeContent(fn func(editor.ContentChangeEvent)) editor.Disposable
	OnDidChangeCursorPosition(fn func(editor.CursorChangeEvent)) editor.Disposable
}

// ChatEntry is one chat line.
type ChatEntry struct {
	Sender string
	Text   string
}

// Observer is notified of room state changes. Callbacks run on the session's
// dispatcher goroutine; any of them may be nil.
type Observer struct {
	OnChat      func(ChatEntry)
	OnLanguage  func(language string)
	OnOutput    func(output string)
	OnPresence  func(peers []presence.Entry)
	OnLifecycle func(Lifecycle)
}

// ParticipantOptions configures a Participant.
type ParticipantOptions struct {
	RoomID string
	// UserID is the local user id, empty for unauthenticated viewers. An identity
	// confirmed by the relay replaces it.
	UserID          string
	Session         *Session
	Editor          Editor
	ControlPlane    *ControlPlane
	Credentials     Credentials
	CursorInterval  time.Duration
	DefaultLanguage string
	Observer        Observer
}

type disposable interface {
	Dispose()
}

// Participant is one member's view of a room: it wires the editor to the session
// through the reconciliation engine and keeps the remote presence, chat log,
// language and execution output.
type Participant struct {
	roomID   string
	session  *Session
	editor   Editor
	engine   *Engine
	cursor   *CursorBroadcaster
	control  *ControlPlane
	creds    Credentials
	observer Observer

	mu       sync.Mutex
	userID   string
	language string
	output   string
	chat     []ChatEntry
	peers    *presence.Set
	subs     []disposable
}

// NewParticipant creates a participant. Nothing is registered until Join.
func NewParticipant(opts ParticipantOptions) *Participant {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "javascript"
	}
	engine := NewEngine(opts.Editor, opts.Session)
	cursor := NewCursorBroadcaster(engine, opts.Session, opts.CursorInterval)
	cursor.SetUserID(opts.UserID)
	return &Participant{
		roomID:   opts.RoomID,
		session:  opts.Session,
		editor:   opts.Editor,
		engine:   engine,
		cursor:   cursor,
		control:  opts.ControlPlane,
		creds:    opts.Credentials,
		observer: opts.Observer,
		userID:   opts.UserID,
		language: opts.DefaultLanguage,
		peers:    presence.NewSet(),
	}
}

// Join registers the participant's handlers and connects to the room.
func (p *Participant) Join(ctx context.Context) error {
	p.attach()
	if err := p.session.Connect(ctx, p.roomID); err != nil {
		p.detach()
		return fmt.Errorf("failed to join room %s: %w", p.roomID, err)
	}
	return nil
}

// Leave announces the departure, disposes every registration and disconnects.
func (p *Participant) Leave() {
	if err := p.session.Send(protocol.LeaveMessage{BaseMessage: protocol.NewBase(protocol.TypeLeave)}); err != nil {
		log.Printf("WARN: failed to send leave: %v", err)
	}
	p.detach()
	p.session.Disconnect()
}

// attach registers exactly one handler per event kind plus the editor listeners.
// detach disposes each of them.
func (p *Participant) attach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subs) > 0 {
		return
	}
	p.subs = []disposable{
		p.session.On(protocol.TypeJoined, p.handleJoined),
		p.session.On(protocol.TypeInitialCode, p.handleInitialCode),
		p.session.On(protocol.TypeCodeUpdate, p.handleCodeUpdate),
		p.session.On(protocol.TypeCursor, p.handleCursor),
		p.session.On(protocol.TypePresence, p.handlePresence),
		p.session.On(protocol.TypeUserDisconnected, p.handleUserDisconnected),
		p.session.On(protocol.TypeLanguageUpdate, p.handleLanguageUpdate),
		p.session.On(protocol.TypeNewMessage, p.handleNewMessage),
		p.session.On(protocol.TypeExecutionResult, p.handleExecutionResult),
		p.session.On(protocol.TypeError, p.handleError),
		p.session.OnLifecycle(p.handleLifecycle),
		p.editor.OnDidChangeContent(p.engine.OnLocalChange),
		p.editor.OnDidChangeCursorPosition(p.cursor.OnLocalCursor),
	}
}

func (p *Participant) detach() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, s := range subs {
		s.Dispose()
	}
	p.cursor.Cancel()
}

// UserID returns the local user id.
func (p *Participant) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

// Language returns the room language as last seen by this participant.
func (p *Participant) Language() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.language
}

// Output returns the latest execution output.
func (p *Participant) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

// Chat returns a copy of the chat log.
func (p *Participant) Chat() []ChatEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChatEntry, len(p.chat))
	copy(out, p.chat)
	return out
}

// Peers returns the presence of every other member, with or without a cursor.
func (p *Participant) Peers() []presence.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peers.Snapshot()
}

// RemoteCursors returns the peers that have reported a cursor position.
func (p *Participant) RemoteCursors() []presence.Entry {
	var out []presence.Entry
	for _, e := range p.Peers() {
		if e.LineNumber > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Do runs fn on the session's dispatcher goroutine, serialized with remote events.
// Local editor mutations should go through it.
func (p *Participant) Do(fn func(Editor)) bool {
	return p.session.Post(func() { fn(p.editor) })
}

// ChangeLanguage applies language locally and announces it to the room.
func (p *Participant) ChangeLanguage(language string) error {
	p.setLanguage(language)
	return p.session.Send(protocol.LanguageMessage{
		BaseMessage: protocol.NewBase(protocol.TypeLanguageChange),
		Language:    language,
	})
}

// SendChat sends trimmed chat text. Empty messages are not sent.
func (p *Participant) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return p.session.Send(protocol.ChatMessage{
		BaseMessage: protocol.NewBase(protocol.TypeChatMessage),
		Text:        text,
	})
}

// RequestExecution asks the control plane to run the buffer in the room language.
// The output arrives later as an execution-result event. Without a credential it
// returns ErrAuthenticationMissing and makes no call.
func (p *Participant) RequestExecution(ctx context.Context) error {
	if p.creds == nil {
		return ErrAuthenticationMissing
	}
	token, err := p.creds.Token(ctx)
	if err != nil || token == "" {
		return ErrAuthenticationMissing
	}
	if p.control == nil {
		return fmt.Errorf("%w: no control plane configured", ErrTransportUnavailable)
	}

	p.setOutput(ExecutingPlaceholder)
	return p.control.Run(ctx, token, p.roomID, &RunRequest{
		Language: p.Language(),
		Code:     p.editor.Value(),
	})
}

func (p *Participant) handleJoined(ev Event) {
	var msg protocol.JoinedMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
		return
	}

	p.mu.Lock()
	if msg.UserID != "" {
		p.userID = msg.UserID
	}
	userID := p.userID
	p.peers = presence.NewSet()
	for _, e := range msg.Presence {
		if userID != "" && e.UserID == userID {
			continue
		}
		p.peers.Upsert(e)
	}
	p.mu.Unlock()

	p.cursor.SetUserID(userID)
	p.setLanguage(msg.Language)
	p.notifyPresence()
}

func (p *Participant) handleInitialCode(ev Event) {
	var msg protocol.InitialCodeMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
		return
	}
	p.engine.OnJoinedSnapshot(msg.Code)
}

func (p *Participant) handleCodeUpdate(ev Event) {
	var msg protocol.CodeUpdateMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
		return
	}
	p.engine.OnRemoteEdit(msg.Changes)
}

func (p *Participant) handleCursor(ev Event) {
	var msg protocol.CursorMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
		return
	}

	p.mu.Lock()
	// Our own cursor is never rendered as a remote one, whichever tab sent it.
	if p.userID != "" && msg.UserID == p.userID {
		p.mu.Unlock()
		return
	}
	p.peers.Upsert(presence.Entry{
		SID:        msg.SID,
		UserID:     msg.UserID,
		LineNumber: msg.LineNumber,
		Column:     msg.Column,
	})
	p.mu.Unlock()
	p.notifyPresence()
}

func (p *Participant) handlePresence(ev Event) {
	var msg protocol.PresenceMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
		return
	}

	p.mu.Lock()
	if msg.SID == "" || (p.userID != "" && msg.UserID == p.userID) {
		p.mu.Unlock()
		return
	}
	if _, ok := p.peers.Get(msg.SID); !ok {
		p.peers.Upsert(presence.Entry{SID: msg.SID, UserID: msg.UserID})
	}
	p.mu.Unlock()
	p.notifyPresence()
}

func (p *Participant) handleUserDisconnected(ev Event) {
	var msg protocol.UserDisconnectedMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
		return
	}

	p.mu.Lock()
	_, removed := p.peers.Remove(msg.SID)
	p.mu.Unlock()
	if removed {
		p.notifyPresence()
	}
}

func (p *Participant) handleLanguageUpdate(ev Event) {
	var msg protocol.LanguageMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
		return
	}
	p.setLanguage(msg.Language)
}

func (p *Participant) handleNewMessage(ev Event) {
	var msg protocol.NewMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
		return
	}

	entry := ChatEntry{Sender: msg.Sender, Text: msg.Text}
	p.mu.Lock()
	p.chat = append(p.chat, entry)
	p.mu.Unlock()
	if p.observer.OnChat != nil {
		p.observer.OnChat(entry)
	}
}

func (p *Participant) handleExecutionResult(ev Event) {
	var msg protocol.ExecutionResultMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
		return
	}
	p.setOutput(msg.Output)
}

func (p *Participant) handleError(ev Event) {
	var msg protocol.ErrorMessage
	if err := ev.Decode(&msg); err != nil {
		return
	}
	log.Printf("WARN: relay error %s: %s", msg.Code, msg.Message)
}

func (p *Participant) handleLifecycle(state Lifecycle) {
	if state == Disconnected {
		p.cursor.Cancel()
		p.mu.Lock()
		p.peers = presence.NewSet()
		p.mu.Unlock()
		p.notifyPresence()
	}
	if p.observer.OnLifecycle != nil {
		p.observer.OnLifecycle(state)
	}
}

func (p *Participant) setLanguage(language string) {
	p.mu.Lock()
	changed := p.language != language
	p.language = language
	p.mu.Unlock()
	if changed && p.observer.OnLanguage != nil {
		p.observer.OnLanguage(language)
	}
}

func (p *Participant) setOutput(output string) {
	p.mu.Lock()
	p.output = output
	p.mu.Unlock()
	if p.observer.OnOutput != nil {
		p.observer.OnOutput(output)
	}
}

func (p *Participant) notifyPresence() {
	if p.observer.OnPresence != nil {
		p.observer.OnPresence(p.Peers())
	}
}
