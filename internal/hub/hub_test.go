package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/coderoom/internal/presence"
	"github.com/xiaot623/coderoom/internal/protocol"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(Options{InitialTemplate: "// start", DefaultLanguage: "python"})
}

func connect(t *testing.T, h *Hub, userID string) *Connection {
	t.Helper()
	conn := h.NewConnection(nil, userID)
	h.Register(conn)
	t.Cleanup(func() { h.Unregister(conn) })
	return conn
}

// joinRoom joins and consumes the joined/initial-code pair.
func joinRoom(t *testing.T, h *Hub, conn *Connection, roomID string) (protocol.JoinedMessage, protocol.InitialCodeMessage) {
	t.Helper()
	h.Join(conn, roomID)
	var joined protocol.JoinedMessage
	expect(t, conn, protocol.TypeJoined, &joined)
	var code protocol.InitialCodeMessage
	expect(t, conn, protocol.TypeInitialCode, &code)
	return joined, code
}

func expect(t *testing.T, conn *Connection, kind string, v interface{}) {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		require.True(t, ok, "send queue closed")
		got, err := protocol.PeekType(data)
		require.NoError(t, err)
		require.Equal(t, kind, got, "unexpected event: %s", string(data))
		if v != nil {
			require.NoError(t, json.Unmarshal(data, v))
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", kind)
	}
}

func expectNothing(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected event: %s", string(data))
	case <-time.After(50 * time.Millisecond):
	}
}

func insertX() []protocol.Change {
	return []protocol.Change{{Range: protocol.Range{StartLineNumber: 1, StartColumn: 1, EndLineNumber: 1, EndColumn: 1}, Text: "x"}}
}

func TestJoinNewRoomSendsTemplate(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")

	joined, code := joinRoom(t, h, a, "r1")
	assert.Equal(t, a.ID, joined.SID)
	assert.Equal(t, "r1", joined.RoomID)
	assert.Equal(t, "python", joined.Language)
	assert.Empty(t, joined.Presence)
	assert.Equal(t, "// start", code.Code)
	assert.Equal(t, 1, h.GetRoomCount())
}

func TestJoinAnnouncesPresence(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	joinRoom(t, h, a, "r1")

	joined, _ := joinRoom(t, h, b, "r1")
	require.Len(t, joined.Presence, 1)
	assert.Equal(t, a.ID, joined.Presence[0].SID)
	assert.Equal(t, presence.Color("alice"), joined.Presence[0].Color)

	var p protocol.PresenceMessage
	expect(t, a, protocol.TypePresence, &p)
	assert.Equal(t, b.ID, p.SID)
	assert.Equal(t, protocol.PresenceJoin, p.Event)
	assert.Equal(t, presence.Color("bob"), p.Color)
}

func TestEditRelaysToOthersOnly(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	joinRoom(t, h, a, "r1")
	joinRoom(t, h, b, "r1")
	expect(t, a, protocol.TypePresence, nil)

	require.True(t, h.Edit(a, &protocol.CodeChangeMessage{Changes: insertX(), Code: "x"}))

	var update protocol.CodeUpdateMessage
	expect(t, b, protocol.TypeCodeUpdate, &update)
	require.Len(t, update.Changes, 1)
	assert.Equal(t, "x", update.Changes[0].Text)
	expectNothing(t, a)
}

func TestLateJoinerGetsLatestText(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	joinRoom(t, h, a, "r1")

	h.Edit(a, &protocol.CodeChangeMessage{Changes: insertX(), Code: "hel"})
	h.Edit(a, &protocol.CodeChangeMessage{Changes: insertX(), Code: "hello"})

	c := connect(t, h, "carol")
	_, code := joinRoom(t, h, c, "r1")
	assert.Equal(t, "hello", code.Code)
}

func TestDisconnectNotifiesExactlyOnce(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	s := connect(t, h, "sam")
	joinRoom(t, h, a, "r1")
	joinRoom(t, h, b, "r1")
	joinRoom(t, h, s, "r1")
	expect(t, a, protocol.TypePresence, nil)
	expect(t, a, protocol.TypePresence, nil)
	expect(t, b, protocol.TypePresence, nil)

	h.Unregister(s)
	h.Unregister(s)
	h.Leave(s)

	for _, conn := range []*Connection{a, b} {
		var msg protocol.UserDisconnectedMessage
		expect(t, conn, protocol.TypeUserDisconnected, &msg)
		assert.Equal(t, s.ID, msg.SID)
		expectNothing(t, conn)
	}

	st, ok := h.Room("r1")
	require.True(t, ok)
	assert.Len(t, st.Presence, 2)
	for _, e := range st.Presence {
		assert.NotEqual(t, "sam", e.UserID)
	}
}

func TestRoomCollectedWhenEmpty(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	joinRoom(t, h, a, "r1")
	h.Edit(a, &protocol.CodeChangeMessage{Changes: insertX(), Code: "x"})

	h.Leave(a)
	assert.Equal(t, 0, h.GetRoomCount())
	_, ok := h.Room("r1")
	assert.False(t, ok)

	_, code := joinRoom(t, h, a, "r1")
	assert.Equal(t, "// start", code.Code)
}

func TestChatAndLanguageIncludeSender(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	v := connect(t, h, "")
	joinRoom(t, h, a, "r1")
	joinRoom(t, h, v, "r1")
	expect(t, a, protocol.TypePresence, nil)

	h.Chat(a, "hi")
	for _, conn := range []*Connection{a, v} {
		var msg protocol.NewMessage
		expect(t, conn, protocol.TypeNewMessage, &msg)
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "hi", msg.Text)
	}

	h.Chat(v, "yo")
	var anon protocol.NewMessage
	expect(t, a, protocol.TypeNewMessage, &anon)
	assert.Equal(t, "anonymous-"+v.ID[:8], anon.Sender)
	expect(t, v, protocol.TypeNewMessage, nil)

	h.Language(a, "go")
	for _, conn := range []*Connection{a, v} {
		var msg protocol.LanguageMessage
		expect(t, conn, protocol.TypeLanguageUpdate, &msg)
		assert.Equal(t, "go", msg.Language)
	}

	st, _ := h.Room("r1")
	assert.Equal(t, "go", st.Language)
}

func TestCursorRelayUsesAuthenticatedIdentity(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	joinRoom(t, h, a, "r1")
	joinRoom(t, h, b, "r1")
	expect(t, a, protocol.TypePresence, nil)

	h.Cursor(a, &protocol.CursorMessage{UserID: "mallory", SID: "spoofed", LineNumber: 2, Column: 5})

	var msg protocol.CursorMessage
	expect(t, b, protocol.TypeCursor, &msg)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, a.ID, msg.SID)
	assert.Equal(t, 2, msg.LineNumber)
	assert.Equal(t, 5, msg.Column)
	assert.Equal(t, presence.Color("alice"), msg.Color)
	expectNothing(t, a)

	st, _ := h.Room("r1")
	for _, e := range st.Presence {
		if e.SID == a.ID {
			assert.Equal(t, 2, e.LineNumber)
		}
	}
}

func TestAnonymousCursorCarriesClaimedName(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "")
	b := connect(t, h, "bob")
	joinRoom(t, h, a, "r1")
	joinRoom(t, h, b, "r1")
	expect(t, a, protocol.TypePresence, nil)

	h.Cursor(a, &protocol.CursorMessage{UserID: "guest", LineNumber: 4, Column: 1})

	var msg protocol.CursorMessage
	expect(t, b, protocol.TypeCursor, &msg)
	assert.Equal(t, "guest", msg.UserID)
	assert.Equal(t, 4, msg.LineNumber)
	assert.Equal(t, presence.Color("guest"), msg.Color)

	h.Cursor(a, &protocol.CursorMessage{UserID: "guest", LineNumber: 5, Column: 2})
	expect(t, b, protocol.TypeCursor, &msg)
	assert.Equal(t, 5, msg.LineNumber)
	assert.Equal(t, 2, msg.Column)
	assert.Equal(t, presence.Color("guest"), msg.Color)
}

func TestSwitchingRoomsLeavesPrevious(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	joinRoom(t, h, a, "r1")
	joinRoom(t, h, b, "r1")
	expect(t, a, protocol.TypePresence, nil)

	joinRoom(t, h, b, "r2")
	var msg protocol.UserDisconnectedMessage
	expect(t, a, protocol.TypeUserDisconnected, &msg)
	assert.Equal(t, b.ID, msg.SID)
	assert.Equal(t, "r2", h.RoomOf(b))
	assert.Equal(t, 2, h.GetRoomCount())
}

func TestRejoinSameRoomResendsSnapshot(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	joinRoom(t, h, a, "r1")
	h.Edit(a, &protocol.CodeChangeMessage{Changes: insertX(), Code: "abc"})

	_, code := joinRoom(t, h, a, "r1")
	assert.Equal(t, "abc", code.Code)
	assert.Equal(t, 1, h.GetRoomCount())
}

func TestPublishReachesEveryMember(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	joinRoom(t, h, a, "r1")
	joinRoom(t, h, b, "r1")
	expect(t, a, protocol.TypePresence, nil)

	delivered, err := h.Publish("r1", protocol.ExecutionResultMessage{
		BaseMessage: protocol.NewBase(protocol.TypeExecutionResult),
		Output:      "42\n",
	})
	require.NoError(t, err)
	assert.True(t, delivered)
	for _, conn := range []*Connection{a, b} {
		var msg protocol.ExecutionResultMessage
		expect(t, conn, protocol.TypeExecutionResult, &msg)
		assert.Equal(t, "42\n", msg.Output)
	}

	delivered, err = h.Publish("nope", map[string]interface{}{"type": "x"})
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestPublishToClosedRoomIsNotDelivered(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	joinRoom(t, h, a, "r1")

	h.mu.Lock()
	r := h.rooms["r1"]
	h.mu.Unlock()
	require.NotNil(t, r)

	h.Leave(a)
	data := []byte(`{"type":"execution-result"}`)
	for i := 0; i < 100; i++ {
		require.False(t, r.publish(protocol.TypeExecutionResult, data), "attempt %d", i)
	}
	expectNothing(t, a)
}

func TestEditOutsideRoomIsDropped(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	assert.False(t, h.Edit(a, &protocol.CodeChangeMessage{Changes: insertX(), Code: "x"}))
	assert.False(t, h.Chat(a, "hi"))
}

func TestSlowConsumerIsKickedWithoutBlockingSender(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHub(Options{SendBufferSize: 2, Registerer: reg})
	a := connect(t, h, "alice")
	slow := connect(t, h, "slow")
	joinRoom(t, h, a, "r1")
	joinRoom(t, h, slow, "r1")
	expect(t, a, protocol.TypePresence, nil)

	for i := 0; i < 5; i++ {
		h.Chat(a, "spam")
		expect(t, a, protocol.TypeNewMessage, nil)
	}

	select {
	case <-slow.Kicked():
	case <-time.After(time.Second):
		t.Fatal("slow consumer was not kicked")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.dropped), float64(1))
}

func TestMetricsTrackRoomsAndConnections(t *testing.T) {
	h := newTestHub(t)
	a := connect(t, h, "alice")
	joinRoom(t, h, a, "r1")

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.rooms))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.connections))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.relayed.WithLabelValues(protocol.TypeJoined)))

	h.Unregister(a)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.rooms))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.connections))
}
