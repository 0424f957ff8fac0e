package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/coderoom/internal/protocol"
)

const dialTimeout = 10 * time.Second

// Lifecycle is a transport state change.
type Lifecycle int

const (
	Disconnected Lifecycle = iota
	Connected
)

func (l Lifecycle) String() string {
	if l == Connected {
		return "connected"
	}
	return "disconnected"
}

// Event is one received relay event.
type Event struct {
	Type string
	Data []byte
}

// Decode unmarshals and validates the event payload into v.
func (e Event) Decode(v interface{}) error {
	return protocol.Decode(e.Data, v)
}

// Handler receives events of one kind.
type Handler func(Event)

// LifecycleHandler receives transport state changes.
type LifecycleHandler func(Lifecycle)

// Subscription is a handler registration.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Dispose removes the handler. It is safe to call more than once.
func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8090/ws.
	URL string
	// Credentials, when set, are presented as the token query parameter.
	Credentials Credentials
	Dialer      *websocket.Dialer
	// Reconnect enables automatic reconnection after an unexpected disconnect.
	Reconnect  bool
	NewBackOff func() backoff.BackOff
	QueueSize  int
}

// Session is the bidirectional event channel to the relay. Every handler and every
// function passed to Post runs on one dispatcher goroutine, so handlers never race
// each other.
type Session struct {
	opts SessionOptions

	mu        sync.Mutex
	conn      *websocket.Conn
	roomID    string
	sid       string
	stop      chan struct{} // closed by Disconnect, nil while idle
	handlers  map[string]map[uint64]Handler
	lifecycle map[uint64]LifecycleHandler
	nextID    uint64

	writeMu   sync.Mutex
	postMu    sync.RWMutex // held for reading while enqueueing, for writing by Close
	shut      bool
	queue     chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session and starts its dispatcher. Call Close to release it.
func NewSession(opts SessionOptions) *Session {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	s := &Session{
		opts:      opts,
		handlers:  make(map[string]map[uint64]Handler),
		lifecycle: make(map[uint64]LifecycleHandler),
		queue:     make(chan func(), opts.QueueSize),
		closed:    make(chan struct{}),
	}
	go s.dispatch()
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	b.Reset()
	return b
}

// Connect opens the channel and joins roomID. When already connected it only switches
// rooms, or does nothing if roomID is the current room.
func (s *Session) Connect(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if s.conn != nil {
		same := s.roomID == roomID
		s.roomID = roomID
		s.mu.Unlock()
		if same {
			return nil
		}
		return s.Send(joinMessage(roomID))
	}
	s.roomID = roomID
	if s.stop == nil {
		s.stop = make(chan struct{})
	}
	stop := s.stop
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if !s.attach(conn, stop) {
		conn.Close()
	}
	return nil
}

// Disconnect closes the channel and stops any reconnection. It is always safe to call.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	conn := s.conn
	s.conn = nil
	s.sid = ""
	s.mu.Unlock()

	if conn == nil {
		return
	}
	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	conn.Close()
	s.emitLifecycle(Disconnected)
}

// Close disconnects and stops the dispatcher. Closures accepted by Post before
// Close still run. Close must not be called from a handler.
func (s *Session) Close() {
	s.Disconnect()
	s.postMu.Lock()
	s.shut = true
	s.postMu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
}

// Connected reports whether the channel is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SID returns the session id assigned by the relay in its last joined event.
func (s *Session) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// RoomID returns the room this session joins.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Send writes an event. It returns ErrTransportUnavailable when not connected.
func (s *Session) Send(event interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrTransportUnavailable
	}
	return s.write(conn, event)
}

func (s *Session) write(conn *websocket.Conn, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// On registers handler for events of kind.
func (s *Session) On(kind string, handler Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.handlers[kind] == nil {
		s.handlers[kind] = make(map[uint64]Handler)
	}
	s.handlers[kind][id] = handler
	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.handlers[kind], id)
		if len(s.handlers[kind]) == 0 {
			delete(s.handlers, kind)
		}
		s.mu.Unlock()
	}}
}

// OnLifecycle registers handler for connected/disconnected transitions.
func (s *Session) OnLifecycle(handler LifecycleHandler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.lifecycle[id] = handler
	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.lifecycle, id)
		s.mu.Unlock()
	}}
}

// HandlerCount returns the number of live registrations.
func (s *Session) HandlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.lifecycle)
	for _, hs := range s.handlers {
		n += len(hs)
	}
	return n
}

// Post runs fn on the dispatcher goroutine. It returns false once the session is
// closed; a closure it accepted always runs.
func (s *Session) Post(fn func()) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.shut {
		return false
	}
	s.queue <- fn
	return true
}

func (s *Session) dispatch() {
	for {
		select {
		case fn := <-s.queue:
			s.run(fn)
		case <-s.closed:
			s.drain()
			return
		}
	}
}

// drain runs whatever was queued before Close. Nothing is enqueued once shut is set.
func (s *Session) drain() {
	for {
		select {
		case fn := <-s.queue:
			s.run(fn)
		default:
			return
		}
	}
}

func (s *Session) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked: %v", r)
		}
	}()
	fn()
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(s.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if s.opts.Credentials != nil {
		if token, err := s.opts.Credentials.Token(ctx); err == nil && token != "" {
			q := target.Query()
			q.Set("token", token)
			target.RawQuery = q.Encode()
		}
	}
	conn, _, err := s.opts.Dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// attach installs conn as the live channel and issues the join. It returns false if
// the session was disconnected or connected concurrently.
func (s *Session) attach(conn *websocket.Conn, stop chan struct{}) bool {
	s.mu.Lock()
	if s.stop != stop || s.conn != nil {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	roomID := s.roomID
	s.mu.Unlock()

	s.emitLifecycle(Connected)
	go s.readLoop(conn, stop)
	if roomID != "" {
		if err := s.write(conn, joinMessage(roomID)); err != nil {
			log.Printf("WARN: failed to join room %s: %v", roomID, err)
		}
	}
	return true
}

func (s *Session) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.detach(conn, stop, err)
			return
		}
		kind, err := protocol.PeekType(data)
		if err != nil {
			log.Printf("WARN: discarding malformed event: %v", err)
			continue
		}
		ev := Event{Type: kind, Data: data}
		s.Post(func() { s.deliver(ev) })
	}
}

func (s *Session) deliver(ev Event) {
	if ev.Type == protocol.TypeJoined {
		var msg protocol.JoinedMessage
		if err := ev.Decode(&msg); err != nil {
			log.Printf("WARN: discarding malformed %s: %v", ev.Type, err)
			return
		}
		s.mu.Lock()
		if s.conn != nil {
			s.sid = msg.SID
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	ids := make([]uint64, 0, len(s.handlers[ev.Type]))
	for id := range s.handlers[ev.Type] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.handlers[ev.Type][id])
	}
	s.mu.Unlock()

	for _, h := range handlers {
		s.run(func() { h(ev) })
	}
}

// detach handles an unexpected loss of conn and starts reconnecting if enabled.
func (s *Session) detach(conn *websocket.Conn, stop chan struct{}, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.sid = ""
	reconnect := s.opts.Reconnect && s.stop == stop
	s.mu.Unlock()

	conn.Close()
	log.Printf("WARN: relay connection lost: %v", cause)
	s.emitLifecycle(Disconnected)
	if reconnect {
		go s.reconnect(stop)
	}
}

func (s *Session) reconnect(stop chan struct{}) {
	b := s.opts.NewBackOff()
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			log.Printf("ERROR: giving up reconnecting to %s", s.opts.URL)
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-s.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			log.Printf("WARN: reconnect to %s failed: %v", s.opts.URL, err)
			continue
		}
		if !s.attach(conn, stop) {
			conn.Close()
		}
		return
	}
}

func (s *Session) emitLifecycle(state Lifecycle) {
	s.Post(func() {
		s.mu.Lock()
		ids := make([]uint64, 0, len(s.lifecycle))
		for id := range s.lifecycle {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		handlers := make([]LifecycleHandler, 0, len(ids))
		for _, id := range ids {
			handlers = append(handlers, s.lifecycle[id])
		}
		s.mu.Unlock()

		for _, h := range handlers {
			s.run(func() { h(state) })
		}
	})
}

func joinMessage(roomID string) protocol.JoinMessage {
	return protocol.JoinMessage{BaseMessage: protocol.NewBase(protocol.TypeJoin), RoomID: roomID}
}
