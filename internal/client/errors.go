// Package client is the participant side of a room: the transport session to the
// relay, the document reconciliation engine and the presence/cursor bookkeeping.
package client

import "errors"

var (
	// ErrAuthenticationMissing is returned when an authenticated action is attempted
	// without a valid credential. No relay or control-plane call is made.
	ErrAuthenticationMissing = errors.New("authentication required")

	// ErrTransportUnavailable is returned when sending while the channel is not connected.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrRoomNotFound is returned by the control plane for unknown or unauthorized rooms.
	ErrRoomNotFound = errors.New("room not found")
)
