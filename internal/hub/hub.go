// Package hub provides the room relay: a process-wide registry of rooms and the
// websocket connections joined to them.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaot623/coderoom/internal/presence"
	"github.com/xiaot623/coderoom/internal/protocol"
)

// Connection represents a single participant session.
type Connection struct {
	ID     string // session id, unique per transport connection
	UserID string // empty for unauthenticated viewers
	Conn   *websocket.Conn
	Send   chan []byte

	roomID    string // guarded by Hub.mu
	mu        sync.Mutex
	kickOnce  sync.Once
	kicked    chan struct{}
	closeOnce sync.Once
}

// Options configures a Hub.
type Options struct {
	InitialTemplate string
	DefaultLanguage string
	SendBufferSize  int
	Registerer      prometheus.Registerer
}

// Hub manages all connections and the rooms they joined. Room state is owned by
// one goroutine per room; the Hub itself only tracks which room a connection is in.
type Hub struct {
	opts Options

	// Connections indexed by session id
	connections map[string]*Connection

	// Live rooms indexed by room id
	rooms map[string]*room

	metrics *metrics
	mu      sync.Mutex
}

// NewHub creates a new Hub.
func NewHub(opts Options) *Hub {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "javascript"
	}
	return &Hub{
		opts:        opts,
		connections: make(map[string]*Connection),
		rooms:       make(map[string]*room),
		metrics:     newMetrics(opts.Registerer),
	}
}

// NewConnection creates a connection for ws. ws may be nil for in-process participants.
func (h *Hub) NewConnection(ws *websocket.Conn, userID string) *Connection {
	return &Connection{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   ws,
		Send:   make(chan []byte, h.opts.SendBufferSize),
		kicked: make(chan struct{}),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	h.metrics.connections.Inc()
	log.Printf("Connection registered: %s (user: %s)", conn.ID, conn.UserID)
}

// Unregister removes a connection, leaving its room first, then closes its send queue.
// It is safe to call more than once.
func (h *Hub) Unregister(conn *Connection) {
	h.Leave(conn)

	h.mu.Lock()
	_, ok := h.connections[conn.ID]
	delete(h.connections, conn.ID)
	h.mu.Unlock()

	if ok {
		h.metrics.connections.Dec()
		conn.closeOnce.Do(func() { close(conn.Send) })
		log.Printf("Connection unregistered: %s", conn.ID)
	}
}

// Join registers conn in roomID, creating the room if needed. A connection is in at
// most one room; joining another room leaves the current one first. Joining the
// current room again re-sends the snapshot.
func (h *Hub) Join(conn *Connection, roomID string) {
	if roomID == "" {
		return
	}

	h.mu.Lock()
	current := conn.roomID
	if current == roomID {
		r := h.rooms[roomID]
		h.mu.Unlock()
		r.do(func(r *room) { r.sendSnapshot(conn) })
		return
	}
	h.mu.Unlock()

	if current != "" {
		h.Leave(conn)
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom(h, roomID)
		h.rooms[roomID] = r
		h.metrics.rooms.Inc()
		go r.run()
	}
	r.attached++
	conn.roomID = roomID
	h.mu.Unlock()

	r.do(func(r *room) { r.join(conn) })
}

// Leave removes conn from its room and notifies the remaining members. It returns
// once the room has processed the departure. It is a no-op for connections not in a room.
func (h *Hub) Leave(conn *Connection) {
	h.mu.Lock()
	roomID := conn.roomID
	r, ok := h.rooms[roomID]
	if roomID == "" || !ok {
		h.mu.Unlock()
		return
	}
	conn.roomID = ""
	r.attached--
	last := r.attached == 0
	if last {
		delete(h.rooms, roomID)
		h.metrics.rooms.Dec()
	}
	h.mu.Unlock()

	processed := make(chan struct{})
	if !r.do(func(r *room) {
		r.leave(conn, last)
		close(processed)
	}) {
		return
	}
	select {
	case <-processed:
	case <-r.done:
	}
}

// Edit applies a code_change from conn: it becomes the room's authoritative text and
// the batch is relayed to every other member.
func (h *Hub) Edit(conn *Connection, msg *protocol.CodeChangeMessage) bool {
	return h.withRoom(conn, func(r *room) { r.edit(conn, msg) })
}

// Cursor updates conn's presence entry and relays it to every other member.
func (h *Hub) Cursor(conn *Connection, msg *protocol.CursorMessage) bool {
	return h.withRoom(conn, func(r *room) { r.cursor(conn, msg) })
}

// Language sets the room language and relays it to every member, sender included.
func (h *Hub) Language(conn *Connection, language string) bool {
	return h.withRoom(conn, func(r *room) { r.setLanguage(language) })
}

// Chat relays chat text to every member, sender included.
func (h *Hub) Chat(conn *Connection, text string) bool {
	return h.withRoom(conn, func(r *room) { r.chat(conn, text) })
}

// Publish delivers an event to every member of roomID. It reports whether any member
// received it.
func (h *Hub) Publish(roomID string, v interface{}) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return false, nil
	}

	return r.publish(kindOf(v), data), nil
}

// RoomState is a point-in-time view of a room.
type RoomState struct {
	ID       string
	Text     string
	Language string
	Presence []presence.Entry
}

// Room returns the state of roomID, or false if no session is joined to it.
func (h *Hub) Room(roomID string) (RoomState, bool) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return RoomState{}, false
	}

	reply := make(chan RoomState, 1)
	if !r.do(func(r *room) {
		reply <- RoomState{ID: r.id, Text: r.text, Language: r.language, Presence: r.presence.Snapshot()}
	}) {
		return RoomState{}, false
	}
	select {
	case st := <-reply:
		return st, true
	case <-r.done:
		return RoomState{}, false
	}
}

// RoomOf returns the room conn is joined to.
func (h *Hub) RoomOf(conn *Connection) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return conn.roomID
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// GetRoomCount returns the number of live rooms.
func (h *Hub) GetRoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) withRoom(conn *Connection, fn func(r *room)) bool {
	h.mu.Lock()
	r, ok := h.rooms[conn.roomID]
	if conn.roomID == "" {
		ok = false
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	return r.do(fn)
}

// SendToConnection queues a message for a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection queues a JSON message for a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// Kick forces the transport closed so the connection's own disconnect cleanup runs.
func (c *Connection) Kick() {
	c.kickOnce.Do(func() {
		close(c.kicked)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

// Kicked is closed once the connection has been kicked.
func (c *Connection) Kicked() <-chan struct{} {
	return c.kicked
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

type kinded interface {
	Kind() string
}

func kindOf(v interface{}) string {
	if k, ok := v.(kinded); ok {
		return k.Kind()
	}
	if m, ok := v.(map[string]interface{}); ok {
		if s, ok := m["type"].(string); ok {
			return s
		}
	}
	return "unknown"
}
