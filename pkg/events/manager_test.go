package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	manager := NewConnectionManager(5 * time.Second)
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
	return manager, server
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

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func waitForSubscribers(t *testing.T, manager *ConnectionManager, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if manager.subscriberCount(channel) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %s never reached %d subscribers", channel, want)
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManager_SubscribeAndBroadcast(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	sendJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "loop:l1"})
	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "loop:l1", msg["channel"])

	manager.Broadcast("loop:l1", []byte(`{"type":"loop.started","loop_id":"l1"}`))
	msg = readJSON(t, conn)
	assert.Equal(t, "loop.started", msg["type"])
}

func TestConnectionManager_BroadcastSkipsUnsubscribed(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	sendJSON(t, conn, ClientMessage{Action: "subscribe", Channel: "loop:l1"})
	readJSON(t, conn)
	sendJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: "loop:l1"})
	waitForSubscribers(t, manager, "loop:l1", 0)

	manager.Broadcast("loop:l1", []byte(`{"type":"loop.started","loop_id":"l1"}`))

	// A ping is answered even though the broadcast was dropped — proving the
	// connection is alive and simply not subscribed.
	sendJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_Ping(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	sendJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_ForwardBus(t *testing.T) {
	manager, server := setupTestManager(t)
	bus := NewBus()
	unsub := manager.ForwardBus(bus)
	t.Cleanup(unsub)

	conn := connectWS(t, server)
	readJSON(t, conn)

	sendJSON(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalLoopsChannel})
	readJSON(t, conn)

	bus.Emit(Event{Type: EventLoopCreated, LoopID: "l1"})

	msg := readJSON(t, conn)
	assert.Equal(t, EventLoopCreated, msg["type"])
	assert.Equal(t, "l1", msg["loop_id"])
	assert.NotEmpty(t, msg["timestamp"])
}
