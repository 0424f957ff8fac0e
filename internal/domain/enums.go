// Package domain defines the control-plane models of the relay.
package domain

// Role is a member's role in a room.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// ExecutionStatus represents the status of a run-request.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusBlocked   ExecutionStatus = "BLOCKED"
)

// IsTerminal reports whether no further transition is expected.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionStatusPending
}
