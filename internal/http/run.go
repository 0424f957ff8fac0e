package http

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/coderoom/internal/domain"
	"github.com/xiaot623/coderoom/internal/policy"
	"github.com/xiaot623/coderoom/internal/protocol"
	"github.com/xiaot623/coderoom/internal/repository"
)

// RunRequest is the body of POST /rooms/:room_id/run. Code defaults to the room's
// live document.
type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code,omitempty"`
}

// RunCode authorizes a run-request, accepts it and executes it in the background.
// The output reaches the room as an execution-result event.
// POST /rooms/:room_id/run
func (s *Server) RunCode(c echo.Context) error {
	ctx := c.Request().Context()
	roomID := c.Param("room_id")
	caller := userID(c)

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return s.roomError(c, roomID, err)
	}

	live, hasLive := s.hub.Room(roomID)
	if req.Language == "" && hasLive {
		req.Language = live.Language
	}
	if req.Language == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "language is required"})
	}
	if req.Code == "" && hasLive {
		req.Code = live.Text
	}

	member := true
	if _, err := s.store.GetMembership(ctx, roomID, caller); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		member = false
	}

	execution := &domain.Execution{
		ExecutionID: uuid.New().String(),
		RoomID:      roomID,
		UserID:      caller,
		Language:    req.Language,
		Status:      domain.ExecutionStatusPending,
		CreatedAt:   time.Now(),
	}

	if s.policy != nil {
		allowed, reason, err := s.policy.Allowed(ctx, policy.RunInput{
			UserID:   caller,
			RoomID:   roomID,
			Language: req.Language,
			Member:   member,
			CodeSize: len(req.Code),
		})
		if err != nil {
			log.Printf("ERROR: policy evaluation failed for room %s: %v", roomID, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "policy evaluation failed"})
		}
		if !allowed {
			execution.Status = domain.ExecutionStatusBlocked
			execution.Output = reason
			if err := s.store.CreateExecution(ctx, execution); err != nil {
				log.Printf("WARN: failed to record blocked execution: %v", err)
			}
			log.Printf("Run blocked in room %s for %s: %s", roomID, caller, reason)
			return c.JSON(http.StatusForbidden, map[string]string{"error": reason})
		}
	}

	if s.executor == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "execution engine is not configured"})
	}

	if err := s.store.CreateExecution(ctx, execution); err != nil {
		log.Printf("ERROR: failed to record execution: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to record execution"})
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.execute(execution, req.Code)
	}()

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"accepted":     true,
		"execution_id": execution.ExecutionID,
	})
}

// execute runs one accepted request and publishes its output to the room.
func (s *Server) execute(execution *domain.Execution, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.execTimeout)
	defer cancel()

	status := domain.ExecutionStatusSucceeded
	output, err := s.executor.Run(ctx, execution.Language, code)
	if err != nil {
		status = domain.ExecutionStatusFailed
		output = "error: " + err.Error()
		log.Printf("WARN: execution %s failed: %v", execution.ExecutionID, err)
	}

	if err := s.store.CompleteExecution(context.Background(), execution.ExecutionID, status, output); err != nil {
		log.Printf("ERROR: failed to complete execution %s: %v", execution.ExecutionID, err)
	}

	if _, err := s.hub.Publish(execution.RoomID, protocol.ExecutionResultMessage{
		BaseMessage: protocol.NewBase(protocol.TypeExecutionResult),
		Output:      output,
	}); err != nil {
		log.Printf("ERROR: failed to publish execution result: %v", err)
	}
}

// wait blocks until in-flight executions finish.
func (s *Server) wait() {
	s.runs.Wait()
}
