package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCatchupQuerier implements CatchupQuerier for tests.
type mockCatchupQuerier struct {
	events []StoredEvent
	err    error
}

func (m *mockCatchupQuerier) GetCatchupEvents(_ context.Context, _ string, afterID int64, limit int) ([]StoredEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]StoredEvent, 0, len(m.events))
	for _, evt := range m.events {
		if evt.ID > afterID {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newManagerServer(t *testing.T, manager *ConnectionManager) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(func() { server.Close() })
	return server
}

func setupTestManager(t *testing.T) (*ConnectionManager, *httptest.Server) {
	t.Helper()
	manager := NewConnectionManager(&mockCatchupQuerier{}, 5*time.Second)
	return manager, newManagerServer(t, manager)
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeClientMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

// expectNoMessage asserts that nothing arrives within a short window.
func expectNoMessage(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, "expected no message")
}

func waitForSubscribers(t *testing.T, manager *ConnectionManager, channel string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return manager.subscriberCount(channel) == want
	}, 2*time.Second, 10*time.Millisecond, "subscriber count for %s never reached %d", channel, want)
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManager_SubscribeConfirmed(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "agent:test-123"})

	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "agent:test-123", msg["channel"])

	waitForSubscribers(t, manager, "agent:test-123", 1)
	assert.Equal(t, 1, manager.ActiveConnections())
}

func TestConnectionManager_SubscribeWithoutPositionIsLiveOnly(t *testing.T) {
	// A fresh subscriber gets no replay; history is only delivered when the
	// client states where it left off.
	events := []StoredEvent{
		{ID: 10, Payload: json.RawMessage(`{"type":"task.enqueued","seq":1}`)},
	}
	manager := NewConnectionManager(&mockCatchupQuerier{events: events}, 5*time.Second)
	server := newManagerServer(t, manager)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalEventsChannel})
	readJSON(t, conn) // subscription.confirmed

	expectNoMessage(t, conn)
}

func TestConnectionManager_SubscribeWithPositionReplaysGap(t *testing.T) {
	events := []StoredEvent{
		{ID: 10, Payload: json.RawMessage(`{"type":"task.enqueued","seq":1}`)},
		{ID: 11, Payload: json.RawMessage(`{"type":"task.assigned","seq":2}`)},
		{ID: 12, Payload: json.RawMessage(`{"type":"task.completed","seq":3}`)},
	}
	manager := NewConnectionManager(&mockCatchupQuerier{events: events}, 5*time.Second)
	server := newManagerServer(t, manager)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	last := int64(10)
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalEventsChannel, LastEventID: &last})
	readJSON(t, conn) // subscription.confirmed

	// Events 11 and 12 are replayed in order with their row ids injected.
	msg := readJSON(t, conn)
	assert.Equal(t, float64(2), msg["seq"])
	assert.Equal(t, float64(11), msg["db_event_id"])

	msg = readJSON(t, conn)
	assert.Equal(t, float64(3), msg["seq"])
	assert.Equal(t, float64(12), msg["db_event_id"])

	expectNoMessage(t, conn)
}

func TestConnectionManager_Broadcast(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1) // connection.established
	readJSON(t, conn2) // connection.established

	channel := "agent:broadcast-test"
	writeClientMessage(t, conn1, ClientMessage{Action: "subscribe", Channel: channel})
	writeClientMessage(t, conn2, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn1) // subscription.confirmed
	readJSON(t, conn2) // subscription.confirmed

	waitForSubscribers(t, manager, channel, 2)

	payload, _ := json.Marshal(map[string]string{"type": "test", "data": "hello"})
	manager.Broadcast(channel, payload)

	msg1 := readJSON(t, conn1)
	msg2 := readJSON(t, conn2)
	assert.Equal(t, "hello", msg1["data"])
	assert.Equal(t, "hello", msg2["data"])
}

func TestConnectionManager_BroadcastIsolation(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1)
	readJSON(t, conn2)

	writeClientMessage(t, conn1, ClientMessage{Action: "subscribe", Channel: "agent:ch1"})
	readJSON(t, conn1) // subscription.confirmed
	writeClientMessage(t, conn2, ClientMessage{Action: "subscribe", Channel: "agent:ch2"})
	readJSON(t, conn2) // subscription.confirmed

	waitForSubscribers(t, manager, "agent:ch1", 1)
	waitForSubscribers(t, manager, "agent:ch2", 1)

	payload, _ := json.Marshal(map[string]string{"type": "test", "target": "ch1"})
	manager.Broadcast("agent:ch1", payload)

	msg := readJSON(t, conn1)
	assert.Equal(t, "ch1", msg["target"])

	expectNoMessage(t, conn2)
}

func TestConnectionManager_MultipleChannels(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "agent:ch1"})
	readJSON(t, conn) // subscription.confirmed
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "agent:ch2"})
	readJSON(t, conn) // subscription.confirmed

	waitForSubscribers(t, manager, "agent:ch1", 1)
	waitForSubscribers(t, manager, "agent:ch2", 1)

	payload1, _ := json.Marshal(map[string]string{"channel": "ch1"})
	manager.Broadcast("agent:ch1", payload1)
	assert.Equal(t, "ch1", readJSON(t, conn)["channel"])

	payload2, _ := json.Marshal(map[string]string{"channel": "ch2"})
	manager.Broadcast("agent:ch2", payload2)
	assert.Equal(t, "ch2", readJSON(t, conn)["channel"])
}

func TestConnectionManager_Unsubscribe(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	channel := "agent:unsub-test"
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn) // subscription.confirmed

	writeClientMessage(t, conn, ClientMessage{Action: "unsubscribe", Channel: channel})
	waitForSubscribers(t, manager, channel, 0)

	payload, _ := json.Marshal(map[string]string{"type": "should-not-receive"})
	manager.Broadcast(channel, payload)

	expectNoMessage(t, conn)
}

func TestConnectionManager_PingPong(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeClientMessage(t, conn, ClientMessage{Action: "ping"})

	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_CatchupNormal(t *testing.T) {
	events := []StoredEvent{
		{ID: 10, Payload: json.RawMessage(`{"type":"task.enqueued","seq":1}`)},
		{ID: 11, Payload: json.RawMessage(`{"type":"task.assigned","seq":2}`)},
		{ID: 12, Payload: json.RawMessage(`{"type":"task.completed","seq":3}`)},
	}
	manager := NewConnectionManager(&mockCatchupQuerier{events: events}, 5*time.Second)
	server := newManagerServer(t, manager)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "agent:catchup-test"})
	readJSON(t, conn) // subscription.confirmed

	last := int64(0)
	writeClientMessage(t, conn, ClientMessage{Action: "catchup", Channel: "agent:catchup-test", LastEventID: &last})

	for i := 1; i <= 3; i++ {
		msg := readJSON(t, conn)
		assert.Equal(t, float64(i), msg["seq"])
	}

	// Three events fit well under the limit, so no overflow notice follows.
	expectNoMessage(t, conn)
}

func TestConnectionManager_CatchupOverflow(t *testing.T) {
	manyEvents := make([]StoredEvent, catchupLimit+5)
	for i := range manyEvents {
		manyEvents[i] = StoredEvent{
			ID:      int64(i + 1),
			Payload: json.RawMessage(fmt.Sprintf(`{"type":"task.enqueued","seq":%d}`, i)),
		}
	}
	manager := NewConnectionManager(&mockCatchupQuerier{events: manyEvents}, 5*time.Second)
	server := newManagerServer(t, manager)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "agent:overflow-test"})
	readJSON(t, conn) // subscription.confirmed

	last := int64(0)
	writeClientMessage(t, conn, ClientMessage{Action: "catchup", Channel: "agent:overflow-test", LastEventID: &last})

	var overflowReceived bool
	for i := 0; i < catchupLimit+5; i++ {
		msg := readJSON(t, conn)
		if msg["type"] == "catchup.overflow" {
			overflowReceived = true
			assert.Equal(t, true, msg["has_more"])
			break
		}
	}
	assert.True(t, overflowReceived, "expected catchup.overflow message")
}

func TestConnectionManager_CatchupError(t *testing.T) {
	// A failed catchup query is logged, not fatal: the connection stays up.
	manager := NewConnectionManager(&mockCatchupQuerier{err: fmt.Errorf("database unreachable")}, 5*time.Second)
	server := newManagerServer(t, manager)

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: "agent:err-test"})
	readJSON(t, conn) // subscription.confirmed

	last := int64(0)
	writeClientMessage(t, conn, ClientMessage{Action: "catchup", Channel: "agent:err-test", LastEventID: &last})

	writeClientMessage(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_CatchupRequiresPosition(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeClientMessage(t, conn, ClientMessage{Action: "catchup", Channel: "agent:x"})

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "last_event_id is required")
}

func TestConnectionManager_EmptyChannelValidation(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: ""})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	writeClientMessage(t, conn, ClientMessage{Action: "unsubscribe", Channel: ""})
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	last := int64(0)
	writeClientMessage(t, conn, ClientMessage{Action: "catchup", Channel: "", LastEventID: &last})
	msg = readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "channel is required")

	// Validation errors never kill the connection.
	writeClientMessage(t, conn, ClientMessage{Action: "ping"})
	msg = readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_UnknownAction(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeClientMessage(t, conn, ClientMessage{Action: "rewind"})

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "unknown action")
}

func TestConnectionManager_ConcurrentBroadcast(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	channel := "agent:concurrent-test"
	writeClientMessage(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn) // subscription.confirmed
	waitForSubscribers(t, manager, channel, 1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]any{"type": "concurrent", "idx": idx})
			manager.Broadcast(channel, payload)
		}(i)
	}
	wg.Wait()

	received := 0
	var firstErr error
	for i := 0; i < 20; i++ {
		readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			firstErr = err
			break
		}
		received++
	}
	assert.Equal(t, 20, received, "should receive all 20 broadcast messages; first error: %v", firstErr)
}

func TestConnectionManager_BroadcastToUnknownChannel(t *testing.T) {
	manager, _ := setupTestManager(t)

	payload, _ := json.Marshal(map[string]string{"type": "test"})
	assert.NotPanics(t, func() {
		manager.Broadcast("agent:nobody-home", payload)
	})
}

func TestConnectionManager_SetListener(t *testing.T) {
	manager := NewConnectionManager(&mockCatchupQuerier{}, 0)
	assert.Nil(t, manager.listener)

	listener := NewNotifyListener("host=localhost", manager)
	manager.SetListener(listener)

	manager.listenerMu.RLock()
	assert.Equal(t, listener, manager.listener)
	manager.listenerMu.RUnlock()
}

func TestConnectionManager_CleanupOnDisconnect(t *testing.T) {
	manager, server := setupTestManager(t)

	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	_, _, err = conn.Read(ctx) // connection.established
	require.NoError(t, err)

	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: "agent:cleanup-test"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, subMsg))
	_, _, err = conn.Read(ctx) // subscription.confirmed
	require.NoError(t, err)

	assert.Equal(t, 1, manager.ActiveConnections())

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
	waitForSubscribers(t, manager, "agent:cleanup-test", 0)

	payload, _ := json.Marshal(map[string]string{"type": "test"})
	assert.NotPanics(t, func() {
		manager.Broadcast("agent:cleanup-test", payload)
	})
}

func TestConnectionManager_Shutdown(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1)
	readJSON(t, conn2)

	require.Equal(t, 2, manager.ActiveConnections())

	manager.Shutdown()

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond, "connections should unregister after shutdown")
}
