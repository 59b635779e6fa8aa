package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/models"
)

// fakeAgentServer implements just enough of the agent server contract to
// exercise the HTTP backend.
type fakeAgentServer struct {
	mu       sync.Mutex
	sessions map[string]bool
	events   chan AgentEvent
	aborted  []string
	server   *httptest.Server
}

func newFakeAgentServer(t *testing.T) *fakeAgentServer {
	t.Helper()
	f := &fakeAgentServer{
		sessions: map[string]bool{},
		events:   make(chan AgentEvent, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /app", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /event", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for event := range f.events {
			if err := wsjson.Write(r.Context(), conn, event); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.sessions["s-1"] = true
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(Session{ID: "s-1", Title: "t"})
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		if !f.knows(r.PathValue("id")) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"parts": []map[string]string{{"type": "text", "text": "sync reply"}},
		})
	})
	mux.HandleFunc("POST /session/{id}/prompt", func(w http.ResponseWriter, r *http.Request) {
		if !f.knows(r.PathValue("id")) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.aborted = append(f.aborted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /config/providers", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"providers": []map[string]any{{
				"id": "anthropic", "name": "Anthropic", "connected": true,
				"models": []map[string]string{{"id": "claude", "name": "Claude"}},
			}},
		})
	})
	mux.HandleFunc("GET /directory", func(w http.ResponseWriter, r *http.Request) {
		exists := r.URL.Query().Get("path") != "/missing"
		_ = json.NewEncoder(w).Encode(map[string]bool{"exists": exists})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	t.Cleanup(func() { close(f.events) })
	return f
}

func (f *fakeAgentServer) knows(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

func (f *fakeAgentServer) backend(t *testing.T) *HTTPBackend {
	t.Helper()
	b := NewHTTPBackend(models.ServerSettings{Mode: models.ServerModeConnect})
	// Point at the httptest listener directly.
	b.baseURL = f.server.URL
	return b
}

func TestHTTPBackend_ConnectAndSession(t *testing.T) {
	f := newFakeAgentServer(t)
	b := f.backend(t)
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect() })
	assert.True(t, b.IsConnected())

	session, err := b.CreateSession(ctx, "title", "/repo")
	require.NoError(t, err)
	assert.Equal(t, "s-1", session.ID)

	reply, err := b.SendPrompt(ctx, session.ID, "hi", models.ModelRef{ProviderID: "anthropic", ModelID: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "sync reply", reply)
}

func TestHTTPBackend_EventStream(t *testing.T) {
	f := newFakeAgentServer(t)
	b := f.backend(t)
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect() })

	session, err := b.CreateSession(ctx, "t", "/repo")
	require.NoError(t, err)

	ch, cancel, err := b.SubscribeEvents(ctx, session.ID)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.SendPromptAsync(ctx, session.ID, "go", models.ModelRef{}))
	f.events <- AgentEvent{Type: EventMessageDelta, SessionID: session.ID, Text: "hello "}
	f.events <- AgentEvent{Type: EventMessageComplete, SessionID: session.ID, Text: "hello world"}
	f.events <- AgentEvent{Type: EventSessionIdle, SessionID: session.ID}

	events := drain(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, EventMessageDelta, events[0].Type)
	assert.Equal(t, "hello ", events[0].Text)
	assert.Equal(t, EventSessionIdle, events[2].Type)
}

func TestHTTPBackend_SessionNotFound(t *testing.T) {
	f := newFakeAgentServer(t)
	b := f.backend(t)
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect() })

	_, err := b.SendPrompt(ctx, "ghost", "hi", models.ModelRef{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHTTPBackend_ConnectRefused(t *testing.T) {
	b := NewHTTPBackend(models.ServerSettings{Hostname: "127.0.0.1", Port: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := b.Connect(ctx)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.False(t, b.IsConnected())
}

func TestHTTPBackend_ListModels(t *testing.T) {
	f := newFakeAgentServer(t)
	b := f.backend(t)
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect() })

	infos, err := b.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "anthropic", infos[0].ProviderID)
	assert.True(t, infos[0].Connected)
}

func TestHTTPBackend_DirectoryExists(t *testing.T) {
	f := newFakeAgentServer(t)
	b := f.backend(t)
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect() })

	exists, err := b.DirectoryExists(ctx, "/repo")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = b.DirectoryExists(ctx, "/missing")
	require.NoError(t, err)
	assert.False(t, exists)
}
