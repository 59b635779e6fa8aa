package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/events"
)

func wsDial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func wsRead(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func wsWrite(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	f := setup(t)
	srv := httptest.NewServer(f.e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn := wsDial(t, url)

	msg := wsRead(t, conn)
	assert.Equal(t, "connection.established", msg["type"])

	wsWrite(t, conn, events.ClientMessage{Action: "subscribe", Channel: events.GlobalLoopsChannel})
	msg = wsRead(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, events.GlobalLoopsChannel, msg["channel"])

	// A loop created over HTTP shows up on the loops channel.
	lp := f.createLoop(t, nil)
	msg = wsRead(t, conn)
	assert.Equal(t, events.EventLoopCreated, msg["type"])
	assert.Equal(t, lp.Config.ID, msg["loop_id"])
}

func TestWebSocket_Ping(t *testing.T) {
	f := setup(t)
	srv := httptest.NewServer(f.e)
	t.Cleanup(srv.Close)

	conn := wsDial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws")
	wsRead(t, conn) // connection.established

	wsWrite(t, conn, events.ClientMessage{Action: "ping"})
	msg := wsRead(t, conn)
	assert.Equal(t, "pong", msg["type"])
}
