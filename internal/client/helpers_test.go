package client

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/coderoom/internal/config"
	"github.com/xiaot623/coderoom/internal/editor"
	"github.com/xiaot623/coderoom/internal/hub"
	"github.com/xiaot623/coderoom/internal/ws"
)

const waitFor = 2 * time.Second

type testRelay struct {
	hub    *hub.Hub
	server *httptest.Server
	url    string
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	cfg := &config.Config{
		PingInterval:   time.Second,
		WriteTimeout:   time.Second,
		ReadTimeout:    10 * time.Second,
		MaxMessageSize: 1 << 20,
	}
	h := hub.NewHub(hub.Options{DefaultLanguage: "javascript"})
	srv := ws.NewServer(cfg, h, nil)

	e := echo.New()
	e.HideBanner = true
	e.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	return &testRelay{
		hub:    h,
		server: ts,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// netTracker records the raw connections a dialer opens so tests can sever them.
type netTracker struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (n *netTracker) dialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			c, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err == nil {
				n.mu.Lock()
				n.conns = append(n.conns, c)
				n.mu.Unlock()
			}
			return c, err
		},
	}
}

func (n *netTracker) severAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		c.Close()
	}
	n.conns = nil
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(20 * time.Millisecond)
}

func newTestSession(t *testing.T, relay *testRelay, opts SessionOptions) *Session {
	t.Helper()
	opts.URL = relay.url
	s := NewSession(opts)
	t.Cleanup(s.Close)
	return s
}

type member struct {
	*Participant
	session *Session
	buffer  *editor.Buffer
}

func joinMember(t *testing.T, relay *testRelay, roomID, userID string, configure func(*ParticipantOptions)) *member {
	t.Helper()
	session := newTestSession(t, relay, SessionOptions{})
	buffer := editor.NewBuffer("")
	opts := ParticipantOptions{
		RoomID:         roomID,
		UserID:         userID,
		Session:        session,
		Editor:         buffer,
		CursorInterval: 20 * time.Millisecond,
	}
	if configure != nil {
		configure(&opts)
	}
	session = opts.Session
	p := NewParticipant(opts)
	require.NoError(t, p.Join(context.Background()))
	require.Eventually(t, func() bool { return session.SID() != "" }, waitFor, 5*time.Millisecond)
	return &member{Participant: p, session: session, buffer: buffer}
}

// do runs fn on the member's dispatcher and waits for it.
func (m *member) do(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, m.session.Post(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for dispatcher")
	}
}

type recordingSender struct {
	mu        sync.Mutex
	events    []interface{}
	err       error
	connected bool
	sid       string
}

func (r *recordingSender) Send(event interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSender) Connected() bool { return r.connected }

func (r *recordingSender) SID() string { return r.sid }

func (r *recordingSender) sent() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interface{}, len(r.events))
	copy(out, r.events)
	return out
}
