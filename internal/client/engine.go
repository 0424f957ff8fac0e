package client

import (
	"errors"
	"log"
	"sync/atomic"

	"github.com/xiaot623/coderoom/internal/editor"
	"github.com/xiaot623/coderoom/internal/protocol"
)

// Surface is the local editing buffer the engine reconciles.
type Surface interface {
	Value() string
	SetValue(text string)
	ApplyEdits(changes []protocol.Change) error
}

// Sender sends an event to the relay.
type Sender interface {
	Send(event interface{}) error
}

// Engine keeps the local buffer in step with the room. Remote edits and snapshots
// are applied with echo suppression so the resulting change notifications are not
// re-emitted as local edits.
//
// There is no conflict resolution: the relay's delivery order is the total order.
type Engine struct {
	surface  Surface
	sender   Sender
	applying atomic.Bool
}

// NewEngine creates an engine for surface that emits local edits through sender.
func NewEngine(surface Surface, sender Sender) *Engine {
	return &Engine{surface: surface, sender: sender}
}

// Applying reports whether a remote change is being applied right now.
func (e *Engine) Applying() bool {
	return e.applying.Load()
}

// OnJoinedSnapshot replaces the buffer with the room's authoritative text.
func (e *Engine) OnJoinedSnapshot(text string) {
	e.applying.Store(true)
	defer e.applying.Store(false)
	e.surface.SetValue(text)
}

// OnRemoteEdit applies a batch relayed from another member. A batch that cannot be
// applied is logged and dropped.
func (e *Engine) OnRemoteEdit(changes []protocol.Change) error {
	e.applying.Store(true)
	defer e.applying.Store(false)
	if err := e.surface.ApplyEdits(changes); err != nil {
		log.Printf("WARN: dropping remote edit batch: %v", err)
		return err
	}
	return nil
}

// OnLocalChange forwards a local edit batch with the full resulting text.
func (e *Engine) OnLocalChange(ev editor.ContentChangeEvent) {
	if e.Applying() {
		return
	}
	msg := protocol.CodeChangeMessage{
		BaseMessage: protocol.NewBase(protocol.TypeCodeChange),
		Changes:     ev.Changes,
		Code:        e.surface.Value(),
	}
	if err := e.sender.Send(msg); err != nil && !errors.Is(err, ErrTransportUnavailable) {
		log.Printf("WARN: failed to send code change: %v", err)
	}
}
