// Package protocol defines the room event protocol between participants and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/coderoom/internal/presence"
)

// Event kinds from participant to relay
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeCodeChange     = "code_change"
	TypeCursor         = "cursor"
	TypeLanguageChange = "language_change"
	TypeChatMessage    = "chat_message"
)

// Event kinds from relay to participant
const (
	TypeJoined           = "joined"
	TypeInitialCode      = "initial-code"
	TypeCodeUpdate       = "code-update"
	TypePresence         = "presence"
	TypeUserDisconnected = "user-disconnected"
	TypeLanguageUpdate   = "language-update"
	TypeNewMessage       = "new-message"
	TypeExecutionResult  = "execution-result"
	TypeError            = "error"
)

// PresenceJoin is the only presence event kind; departures use user-disconnected.
const PresenceJoin = "join"

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRoomRequired   = "room_required"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeInternalError  = "internal_error"
)

// ErrMalformedPayload is returned when an event is missing required fields or is not valid JSON.
var ErrMalformedPayload = errors.New("malformed payload")

// BaseMessage contains common fields for all events.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts,omitempty"`
}

// NewBase stamps an event kind with the current time.
func NewBase(kind string) BaseMessage {
	return BaseMessage{Type: kind, Ts: time.Now().UnixMilli()}
}

// Kind returns the event kind.
func (b BaseMessage) Kind() string { return b.Type }

// Range is an editor range, 1-based, in the pre-edit coordinate space of its batch.
type Range struct {
	StartLineNumber int `json:"startLineNumber"`
	StartColumn     int `json:"startColumn"`
	EndLineNumber   int `json:"endLineNumber"`
	EndColumn       int `json:"endColumn"`
}

// Valid reports whether the range is well formed.
func (r Range) Valid() bool {
	if r.StartLineNumber < 1 || r.StartColumn < 1 || r.EndLineNumber < 1 || r.EndColumn < 1 {
		return false
	}
	if r.EndLineNumber < r.StartLineNumber {
		return false
	}
	return r.EndLineNumber > r.StartLineNumber || r.EndColumn >= r.StartColumn
}

// Change replaces Range with Text.
type Change struct {
	Range       Range  `json:"range"`
	RangeOffset int    `json:"rangeOffset,omitempty"`
	RangeLength int    `json:"rangeLength,omitempty"`
	Text        string `json:"text"`
}

// JoinMessage asks the relay to register the session in a room.
type JoinMessage struct {
	BaseMessage
	RoomID string `json:"room_id"`
}

func (m *JoinMessage) Validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("%w: room_id is required", ErrMalformedPayload)
	}
	return nil
}

// LeaveMessage removes the session from its room.
type LeaveMessage struct {
	BaseMessage
}

// JoinedMessage acknowledges a join with the session's identity and the room's presence set.
type JoinedMessage struct {
	BaseMessage
	SID      string           `json:"sid"`
	RoomID   string           `json:"room_id"`
	UserID   string           `json:"user_id,omitempty"`
	Language string           `json:"language"`
	Presence []presence.Entry `json:"presence"`
}

func (m *JoinedMessage) Validate() error {
	if m.SID == "" || m.RoomID == "" {
		return fmt.Errorf("%w: sid and room_id are required", ErrMalformedPayload)
	}
	return nil
}

// InitialCodeMessage carries the room's authoritative document text.
type InitialCodeMessage struct {
	BaseMessage
	Code string `json:"code"`
}

func (m *InitialCodeMessage) RequiredFields() []string { return []string{"code"} }

// CodeChangeMessage is a local edit batch plus the full resulting text.
type CodeChangeMessage struct {
	BaseMessage
	Changes []Change `json:"changes"`
	Code    string   `json:"code"`
}

// The empty string is a valid document, so code is checked on the wire.
func (m *CodeChangeMessage) RequiredFields() []string { return []string{"code"} }

func (m *CodeChangeMessage) Validate() error {
	if m.Changes == nil {
		return fmt.Errorf("%w: changes is required", ErrMalformedPayload)
	}
	return validateChanges(m.Changes)
}

// CodeUpdateMessage is an edit batch relayed to the other members of a room.
type CodeUpdateMessage struct {
	BaseMessage
	Changes []Change `json:"changes"`
}

func (m *CodeUpdateMessage) Validate() error {
	if m.Changes == nil {
		return fmt.Errorf("%w: changes is required", ErrMalformedPayload)
	}
	return validateChanges(m.Changes)
}

func validateChanges(changes []Change) error {
	for i, c := range changes {
		if !c.Range.Valid() {
			return fmt.Errorf("%w: change %d has invalid range", ErrMalformedPayload, i)
		}
	}
	return nil
}

// CursorMessage is a cursor position update.
type CursorMessage struct {
	BaseMessage
	UserID     string `json:"userId"`
	SID        string `json:"sid"`
	LineNumber int    `json:"lineNumber"`
	Column     int    `json:"column"`
	Color      string `json:"color,omitempty"`
}

func (m *CursorMessage) Validate() error {
	if m.LineNumber < 1 || m.Column < 1 {
		return fmt.Errorf("%w: lineNumber and column must be positive", ErrMalformedPayload)
	}
	return nil
}

// PresenceMessage announces a newly joined member to the rest of the room.
type PresenceMessage struct {
	BaseMessage
	SID    string `json:"sid"`
	UserID string `json:"userId,omitempty"`
	Event  string `json:"event"`
	Color  string `json:"color,omitempty"`
}

// UserDisconnectedMessage tells members to evict one session's presence entry.
type UserDisconnectedMessage struct {
	BaseMessage
	SID string `json:"sid"`
}

func (m *UserDisconnectedMessage) Validate() error {
	if m.SID == "" {
		return fmt.Errorf("%w: sid is required", ErrMalformedPayload)
	}
	return nil
}

// LanguageMessage carries a language selection, used for both language_change and language-update.
type LanguageMessage struct {
	BaseMessage
	Language string `json:"language"`
}

func (m *LanguageMessage) Validate() error {
	if m.Language == "" {
		return fmt.Errorf("%w: language is required", ErrMalformedPayload)
	}
	return nil
}

// ChatMessage is chat text sent by a participant.
type ChatMessage struct {
	BaseMessage
	Text string `json:"text"`
}

func (m *ChatMessage) Validate() error {
	if m.Text == "" {
		return fmt.Errorf("%w: text is required", ErrMalformedPayload)
	}
	return nil
}

// NewMessage is chat text fanned out by the relay.
type NewMessage struct {
	BaseMessage
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// ExecutionResultMessage carries the output of a run-request.
type ExecutionResultMessage struct {
	BaseMessage
	Output string `json:"output"`
}

// ErrorMessage is sent by the relay when an event cannot be handled.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator is implemented by events with required fields.
type Validator interface {
	Validate() error
}

// FieldRequirer is implemented by events whose required fields have a meaningful
// zero value. Decode rejects the event when one of them is absent or null.
type FieldRequirer interface {
	RequiredFields() []string
}

// Decode unmarshals data into v and validates it. Failures wrap ErrMalformedPayload.
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if req, ok := v.(FieldRequirer); ok {
		if err := checkPresent(data, req.RequiredFields()); err != nil {
			return err
		}
	}
	if val, ok := v.(Validator); ok {
		return val.Validate()
	}
	return nil
}

func checkPresent(data []byte, fields []string) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	for _, f := range fields {
		if v, ok := raw[f]; !ok || string(v) == "null" {
			return fmt.Errorf("%w: %s is required", ErrMalformedPayload, f)
		}
	}
	return nil
}

// PeekType returns the kind of a raw event.
func PeekType(data []byte) (string, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if base.Type == "" {
		return "", fmt.Errorf("%w: type is required", ErrMalformedPayload)
	}
	return base.Type, nil
}
