package hub

import (
	"encoding/json"
	"log"

	"github.com/xiaot623/coderoom/internal/presence"
	"github.com/xiaot623/coderoom/internal/protocol"
)

// room is owned by its run goroutine. Every field below cmds is touched only there;
// attached is guarded by Hub.mu.
type room struct {
	id       string
	hub      *Hub
	cmds     chan func(*room)
	done     chan struct{}
	attached int

	members  map[string]*Connection
	presence *presence.Set
	text     string
	language string
	closing  bool
}

func newRoom(h *Hub, id string) *room {
	return &room{
		id:       id,
		hub:      h,
		cmds:     make(chan func(*room), 64),
		done:     make(chan struct{}),
		members:  make(map[string]*Connection),
		presence: presence.NewSet(),
		text:     h.opts.InitialTemplate,
		language: h.opts.DefaultLanguage,
	}
}

func (r *room) run() {
	defer close(r.done)
	log.Printf("Room opened: %s", r.id)
	for fn := range r.cmds {
		fn(r)
		if r.closing {
			log.Printf("Room closed: %s", r.id)
			return
		}
	}
}

// do queues fn on the room goroutine. It returns false if the room has shut down.
func (r *room) do(fn func(*room)) bool {
	select {
	case r.cmds <- fn:
		return true
	case <-r.done:
		return false
	}
}

// publish broadcasts to every member and reports whether anyone was there to
// receive it. A room that shut down in the meantime delivers nothing.
func (r *room) publish(kind string, data []byte) bool {
	reply := make(chan bool, 1)
	if !r.do(func(r *room) {
		reply <- len(r.members) > 0 && !r.closing
		r.broadcast("", kind, data)
	}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-r.done:
		return false
	}
}

func (r *room) join(conn *Connection) {
	r.members[conn.ID] = conn
	entry := r.presence.Upsert(presence.Entry{SID: conn.ID, UserID: conn.UserID})
	r.sendSnapshot(conn)

	r.broadcast(conn.ID, protocol.TypePresence, mustMarshal(protocol.PresenceMessage{
		BaseMessage: protocol.NewBase(protocol.TypePresence),
		SID:         conn.ID,
		UserID:      conn.UserID,
		Event:       protocol.PresenceJoin,
		Color:       entry.Color,
	}))
	log.Printf("Session %s joined room %s (%d members)", conn.ID, r.id, r.presence.Len())
}

func (r *room) sendSnapshot(conn *Connection) {
	r.deliver(conn, protocol.TypeJoined, mustMarshal(protocol.JoinedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeJoined),
		SID:         conn.ID,
		RoomID:      r.id,
		UserID:      conn.UserID,
		Language:    r.language,
		Presence:    r.presence.SnapshotExcept(conn.ID),
	}))
	r.deliver(conn, protocol.TypeInitialCode, mustMarshal(protocol.InitialCodeMessage{
		BaseMessage: protocol.NewBase(protocol.TypeInitialCode),
		Code:        r.text,
	}))
}

func (r *room) leave(conn *Connection, last bool) {
	if _, ok := r.members[conn.ID]; ok {
		delete(r.members, conn.ID)
		r.presence.Remove(conn.ID)
		r.broadcast(conn.ID, protocol.TypeUserDisconnected, mustMarshal(protocol.UserDisconnectedMessage{
			BaseMessage: protocol.NewBase(protocol.TypeUserDisconnected),
			SID:         conn.ID,
		}))
		log.Printf("Session %s left room %s (%d members)", conn.ID, r.id, r.presence.Len())
	}
	if last {
		r.closing = true
	}
}

func (r *room) edit(conn *Connection, msg *protocol.CodeChangeMessage) {
	if _, ok := r.members[conn.ID]; !ok {
		return
	}
	r.text = msg.Code
	r.broadcast(conn.ID, protocol.TypeCodeUpdate, mustMarshal(protocol.CodeUpdateMessage{
		BaseMessage: protocol.NewBase(protocol.TypeCodeUpdate),
		Changes:     msg.Changes,
	}))
}

func (r *room) cursor(conn *Connection, msg *protocol.CursorMessage) {
	entry, ok := r.presence.Move(conn.ID, msg.LineNumber, msg.Column)
	if !ok {
		return
	}
	// Authenticated identity wins over whatever the payload claims.
	if conn.UserID == "" && msg.UserID != entry.UserID {
		entry.UserID = msg.UserID
		entry = r.presence.Upsert(entry)
	}

	r.broadcast(conn.ID, protocol.TypeCursor, mustMarshal(protocol.CursorMessage{
		BaseMessage: protocol.NewBase(protocol.TypeCursor),
		UserID:      entry.UserID,
		SID:         entry.SID,
		LineNumber:  entry.LineNumber,
		Column:      entry.Column,
		Color:       entry.Color,
	}))
}

func (r *room) setLanguage(language string) {
	r.language = language
	r.broadcast("", protocol.TypeLanguageUpdate, mustMarshal(protocol.LanguageMessage{
		BaseMessage: protocol.NewBase(protocol.TypeLanguageUpdate),
		Language:    language,
	}))
}

func (r *room) chat(conn *Connection, text string) {
	if _, ok := r.members[conn.ID]; !ok {
		return
	}
	r.broadcast("", protocol.TypeNewMessage, mustMarshal(protocol.NewMessage{
		BaseMessage: protocol.NewBase(protocol.TypeNewMessage),
		Sender:      senderLabel(conn),
		Text:        text,
	}))
}

// broadcast delivers data to every member except the session exceptSID.
func (r *room) broadcast(exceptSID, kind string, data []byte) {
	for sid, conn := range r.members {
		if sid == exceptSID {
			continue
		}
		r.deliver(conn, kind, data)
	}
}

// deliver never blocks the room. A recipient that cannot keep up is kicked; its
// own disconnect then removes it from the room.
func (r *room) deliver(conn *Connection, kind string, data []byte) {
	select {
	case conn.Send <- data:
		r.hub.metrics.relayed.WithLabelValues(kind).Inc()
	default:
		r.hub.metrics.dropped.Inc()
		log.Printf("WARN: connection %s buffer full, dropping %s and closing", conn.ID, kind)
		conn.Kick()
	}
}

func senderLabel(conn *Connection) string {
	if conn.UserID != "" {
		return conn.UserID
	}
	id := conn.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "anonymous-" + id
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only fixed protocol structs reach here.
		panic(err)
	}
	return data
}
