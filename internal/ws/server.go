// Package ws provides the websocket endpoint of the room relay.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/coderoom/internal/auth"
	"github.com/xiaot623/coderoom/internal/config"
	"github.com/xiaot623/coderoom/internal/hub"
	"github.com/xiaot623/coderoom/internal/protocol"
)

// TokenVerifier resolves a bearer credential to a user id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Server handles websocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	verifier TokenVerifier
	upgrader websocket.Upgrader
}

// NewServer creates a new websocket server. verifier may be nil, in which case every
// session is an unauthenticated viewer.
func NewServer(cfg *config.Config, h *hub.Hub, verifier TokenVerifier) *Server {
	return &Server{
		cfg:      cfg,
		hub:      h,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles websocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	userID, err := s.identify(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws, userID)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// identify returns the user id of an optional bearer credential passed as the
// token query parameter or Authorization header.
func (s *Server) identify(c echo.Context) (string, error) {
	token := c.QueryParam("token")
	if token == "" {
		token, _ = auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	}
	if token == "" || s.verifier == nil {
		return "", nil
	}
	return s.verifier.Verify(c.Request().Context(), token)
}

// readPump reads events from the websocket. Its exit is the session's disconnect.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes queued events to the websocket.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				conn.Kick()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Kick()
				return
			}
		}
	}
}

// handleMessage dispatches incoming events. Malformed events are answered with an
// error event and otherwise ignored.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	kind, err := protocol.PeekType(data)
	if err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch kind {
	case protocol.TypeJoin:
		s.handleJoin(conn, data)
	case protocol.TypeLeave:
		s.hub.Leave(conn)
	case protocol.TypeCodeChange:
		s.handleCodeChange(conn, data)
	case protocol.TypeCursor:
		s.handleCursor(conn, data)
	case protocol.TypeLanguageChange:
		s.handleLanguageChange(conn, data)
	case protocol.TypeChatMessage:
		s.handleChatMessage(conn, data)
	default:
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "unknown message type: "+kind)
	}
}

func (s *Server) handleJoin(conn *hub.Connection, data []byte) {
	var msg protocol.JoinMessage
	if err := protocol.Decode(data, &msg); err != nil {
		s.rejectMalformed(conn, protocol.TypeJoin, err)
		return
	}
	s.hub.Join(conn, msg.RoomID)
}

func (s *Server) handleCodeChange(conn *hub.Connection, data []byte) {
	var msg protocol.CodeChangeMessage
	if err := protocol.Decode(data, &msg); err != nil {
		s.rejectMalformed(conn, protocol.TypeCodeChange, err)
		return
	}
	if !s.hub.Edit(conn, &msg) {
		s.sendError(conn, protocol.ErrorCodeRoomRequired, "must join a room first")
	}
}

func (s *Server) handleCursor(conn *hub.Connection, data []byte) {
	var msg protocol.CursorMessage
	if err := protocol.Decode(data, &msg); err != nil {
		s.rejectMalformed(conn, protocol.TypeCursor, err)
		return
	}
	if !s.hub.Cursor(conn, &msg) {
		s.sendError(conn, protocol.ErrorCodeRoomRequired, "must join a room first")
	}
}

func (s *Server) handleLanguageChange(conn *hub.Connection, data []byte) {
	var msg protocol.LanguageMessage
	if err := protocol.Decode(data, &msg); err != nil {
		s.rejectMalformed(conn, protocol.TypeLanguageChange, err)
		return
	}
	if !s.hub.Language(conn, msg.Language) {
		s.sendError(conn, protocol.ErrorCodeRoomRequired, "must join a room first")
	}
}

func (s *Server) handleChatMessage(conn *hub.Connection, data []byte) {
	var msg protocol.ChatMessage
	if err := protocol.Decode(data, &msg); err != nil {
		s.rejectMalformed(conn, protocol.TypeChatMessage, err)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if !s.hub.Chat(conn, text) {
		s.sendError(conn, protocol.ErrorCodeRoomRequired, "must join a room first")
	}
}

func (s *Server) rejectMalformed(conn *hub.Connection, kind string, err error) {
	if errors.Is(err, protocol.ErrMalformedPayload) {
		log.Printf("WARN: discarding malformed %s from %s: %v", kind, conn.ID, err)
	}
	s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid "+kind+" message")
}

// sendError sends an error event to a connection.
func (s *Server) sendError(conn *hub.Connection, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.NewBase(protocol.TypeError),
		Code:        code,
		Message:     message,
	}
	if err := s.hub.SendJSONToConnection(conn, errMsg); err != nil {
		log.Printf("WARN: failed to send error to %s: %v", conn.ID, err)
	}
}
