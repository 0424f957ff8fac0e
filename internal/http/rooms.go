package http

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/coderoom/internal/domain"
	"github.com/xiaot623/coderoom/internal/presence"
	"github.com/xiaot623/coderoom/internal/repository"
)

// CreateRoomRequest is the optional body of POST /rooms.
type CreateRoomRequest struct {
	Title string `json:"title,omitempty"`
}

// CreateRoom registers a room owned by the caller.
// POST /rooms
func (s *Server) CreateRoom(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateRoomRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}

	now := time.Now()
	room := &domain.Room{
		RoomID:    uuid.New().String(),
		Title:     req.Title,
		CreatorID: userID(c),
		CreatedAt: now,
	}
	if err := s.store.CreateRoom(ctx, room); err != nil {
		log.Printf("ERROR: failed to create room: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create room"})
	}
	if err := s.store.AddMember(ctx, &domain.Membership{
		RoomID:   room.RoomID,
		UserID:   room.CreatorID,
		Role:     domain.RoleOwner,
		JoinedAt: now,
	}); err != nil {
		log.Printf("ERROR: failed to add owner to room %s: %v", room.RoomID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create room"})
	}

	log.Printf("Room created: %s (creator: %s)", room.RoomID, room.CreatorID)
	return c.JSON(http.StatusCreated, map[string]string{"room_id": room.RoomID})
}

// JoinRoom records the caller as a member of an existing room.
// POST /rooms/:room_id/join
func (s *Server) JoinRoom(c echo.Context) error {
	ctx := c.Request().Context()
	roomID := c.Param("room_id")

	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return s.roomError(c, roomID, err)
	}

	if err := s.store.AddMember(ctx, &domain.Membership{
		RoomID:   roomID,
		UserID:   userID(c),
		Role:     domain.RoleMember,
		JoinedAt: time.Now(),
	}); err != nil {
		log.Printf("ERROR: failed to join room %s: %v", roomID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to join room"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"joined":  true,
		"room_id": roomID,
	})
}

// GetRoom returns a room, its members and its live presence.
// GET /rooms/:room_id
func (s *Server) GetRoom(c echo.Context) error {
	ctx := c.Request().Context()
	roomID := c.Param("room_id")

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return s.roomError(c, roomID, err)
	}
	members, err := s.store.ListMembers(ctx, roomID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	resp := map[string]interface{}{
		"room":     room,
		"members":  members,
		"live":     false,
		"presence": []presence.Entry{},
	}
	if st, ok := s.hub.Room(roomID); ok {
		resp["live"] = true
		resp["language"] = st.Language
		resp["presence"] = st.Presence
	}
	return c.JSON(http.StatusOK, resp)
}

// ListExecutions returns the recent run-requests of a room.
// GET /rooms/:room_id/executions?limit=N
func (s *Server) ListExecutions(c echo.Context) error {
	ctx := c.Request().Context()
	roomID := c.Param("room_id")

	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return s.roomError(c, roomID, err)
	}

	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = n
	}

	executions, err := s.store.ListExecutions(ctx, roomID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if executions == nil {
		executions = []domain.Execution{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executions": executions,
	})
}

func (s *Server) roomError(c echo.Context, roomID string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "room not found"})
	}
	log.Printf("ERROR: failed to load room %s: %v", roomID, err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
