// Package rpc exposes a JSON-RPC endpoint that lets an external engine push events
// into rooms and read their state.
package rpc

import (
	"context"
	"errors"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/xiaot623/coderoom/internal/hub"
)

// Server exposes relay RPC endpoints.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new relay RPC server.
func NewServer(h *hub.Hub) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{hub: h}
	if err := rpcServer.RegisterName("Relay", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("RPC accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements relay RPC methods.
type Handler struct {
	hub *hub.Hub
}

// PushRequest represents the request body for event delivery.
type PushRequest struct {
	RoomID string                 `json:"room_id"`
	Event  map[string]interface{} `json:"event"`
}

// PushResponse represents the response for event delivery.
type PushResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

// PushEvent publishes an event to every member of a room.
func (h *Handler) PushEvent(req *PushRequest, resp *PushResponse) error {
	if req == nil {
		return errors.New("push request is required")
	}
	if req.RoomID == "" {
		return errors.New("room_id is required")
	}
	if req.Event == nil {
		return errors.New("event is required")
	}
	if kind, _ := req.Event["type"].(string); kind == "" {
		return errors.New("event type is required")
	}

	if _, ok := req.Event["ts"]; !ok {
		req.Event["ts"] = time.Now().UnixMilli()
	}

	delivered, err := h.hub.Publish(req.RoomID, req.Event)
	if err != nil {
		return err
	}

	log.Printf("Event pushed to room %s: type=%v, delivered=%v", req.RoomID, req.Event["type"], delivered)

	if resp != nil {
		resp.OK = true
		resp.Delivered = delivered
	}
	return nil
}

// RoomRequest names a room.
type RoomRequest struct {
	RoomID string `json:"room_id"`
}

// RoomResponse is the live state of a room.
type RoomResponse struct {
	Live     bool   `json:"live"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Members  int    `json:"members"`
}

// GetRoom returns the live document and language of a room.
func (h *Handler) GetRoom(req *RoomRequest, resp *RoomResponse) error {
	if req == nil || req.RoomID == "" {
		return errors.New("room_id is required")
	}
	st, ok := h.hub.Room(req.RoomID)
	if !ok {
		*resp = RoomResponse{}
		return nil
	}
	*resp = RoomResponse{
		Live:     true,
		Code:     st.Text,
		Language: st.Language,
		Members:  len(st.Presence),
	}
	return nil
}
