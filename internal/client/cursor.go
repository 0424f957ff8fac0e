package client

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/xiaot623/coderoom/internal/editor"
	"github.com/xiaot623/coderoom/internal/protocol"
)

// CursorTarget is the channel cursor positions are broadcast on.
type CursorTarget interface {
	Sender
	Connected() bool
	SID() string
}

// CursorBroadcaster turns local cursor moves into trailing-edge debounced cursor events.
type CursorBroadcaster struct {
	engine    *Engine
	target    CursorTarget
	debouncer *Debouncer

	mu     sync.Mutex
	userID string
}

// NewCursorBroadcaster creates a broadcaster. Moves made while engine is applying a
// remote change are not broadcast.
func NewCursorBroadcaster(engine *Engine, target CursorTarget, interval time.Duration) *CursorBroadcaster {
	return &CursorBroadcaster{
		engine:    engine,
		target:    target,
		debouncer: NewDebouncer(interval),
	}
}

// SetUserID sets the local user id; without one nothing is broadcast.
func (b *CursorBroadcaster) SetUserID(userID string) {
	b.mu.Lock()
	b.userID = userID
	b.mu.Unlock()
}

func (b *CursorBroadcaster) currentUser() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userID
}

// OnLocalCursor schedules a broadcast of pos, replacing any pending one.
func (b *CursorBroadcaster) OnLocalCursor(ev editor.CursorChangeEvent) {
	if b.engine != nil && b.engine.Applying() {
		return
	}
	if b.currentUser() == "" || !b.target.Connected() {
		return
	}
	pos := ev.Position
	b.debouncer.Schedule(func() { b.emit(pos) })
}

func (b *CursorBroadcaster) emit(pos editor.Position) {
	userID := b.currentUser()
	if userID == "" {
		return
	}
	msg := protocol.CursorMessage{
		BaseMessage: protocol.NewBase(protocol.TypeCursor),
		UserID:      userID,
		SID:         b.target.SID(),
		LineNumber:  pos.LineNumber,
		Column:      pos.Column,
	}
	if err := b.target.Send(msg); err != nil && !errors.Is(err, ErrTransportUnavailable) {
		log.Printf("WARN: failed to send cursor: %v", err)
	}
}

// Cancel drops a pending broadcast.
func (b *CursorBroadcaster) Cancel() {
	b.debouncer.Cancel()
}
