package domain

import "time"

// Room is a registered collaboration room. Its document lives only in the relay.
type Room struct {
	RoomID    string    `json:"room_id"`
	Title     string    `json:"title,omitempty"`
	CreatorID string    `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership records that a user joined a room through the control plane.
type Membership struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Execution is one run-request and its outcome.
type Execution struct {
	ExecutionID string          `json:"execution_id"`
	RoomID      string          `json:"room_id"`
	UserID      string          `json:"user_id"`
	Language    string          `json:"language"`
	Status      ExecutionStatus `json:"status"`
	Output      string          `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
