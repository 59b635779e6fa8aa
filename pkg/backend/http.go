package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ralphlabs/ralpher/pkg/models"
)

// HTTPBackend talks JSON over HTTP to a running agent server and receives
// the event stream over a single WebSocket connection shared by all sessions.
type HTTPBackend struct {
	baseURL string
	client  *http.Client

	mu        sync.Mutex
	connected bool
	ws        *websocket.Conn
	subs      map[string][]chan AgentEvent // sessionID → subscriber channels
	readDone  chan struct{}
}

// NewHTTPBackend builds a backend from workspace server settings.
func NewHTTPBackend(settings models.ServerSettings) *HTTPBackend {
	scheme := "http"
	if settings.UseTLS {
		scheme = "https"
	}
	client := &http.Client{}
	if settings.AllowInsecureTLS {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &HTTPBackend{
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, settings.Hostname, settings.Port),
		client:  client,
		subs:    make(map[string][]chan AgentEvent),
	}
}

// Name identifies the backend kind for session mappings.
func (b *HTTPBackend) Name() string { return "opencode" }

// ServerURL is the agent server base URL.
func (b *HTTPBackend) ServerURL() string { return b.baseURL }

// Connect probes the server and opens the shared event stream.
func (b *HTTPBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.doJSON(ctx, http.MethodGet, "/app", nil, nil); err != nil {
		return connectionError(err)
	}

	wsURL := strings.Replace(b.baseURL, "http", "ws", 1) + "/event"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: b.client,
	})
	if err != nil {
		return connectionError(err)
	}
	conn.SetReadLimit(1 << 20)

	b.mu.Lock()
	b.ws = conn
	b.connected = true
	b.readDone = make(chan struct{})
	b.mu.Unlock()

	go b.readPump(conn)
	return nil
}

// Disconnect closes the event stream and marks the backend unusable until
// the next Connect.
func (b *HTTPBackend) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	conn := b.ws
	b.ws = nil
	for sessionID, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	return nil
}

// IsConnected reports whether Connect succeeded and the stream is alive.
func (b *HTTPBackend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// readPump forwards server events to session subscribers until the
// connection dies.
func (b *HTTPBackend) readPump(conn *websocket.Conn) {
	defer close(b.readDone)
	for {
		var event AgentEvent
		if err := wsjson.Read(context.Background(), conn, &event); err != nil {
			b.mu.Lock()
			if b.connected {
				slog.Warn("Agent event stream closed", "error", err)
				b.connected = false
				for sessionID, channels := range b.subs {
					for _, ch := range channels {
						close(ch)
					}
					delete(b.subs, sessionID)
				}
			}
			b.mu.Unlock()
			return
		}
		b.dispatch(event)
	}
}

// dispatch fans an event out to the session's subscribers. session.idle ends
// the streams for that session.
func (b *HTTPBackend) dispatch(event AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	channels := b.subs[event.SessionID]
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			slog.Warn("Dropping agent event for slow subscriber",
				"session_id", event.SessionID, "type", event.Type)
		}
	}
	if event.Type == EventSessionIdle {
		for _, ch := range channels {
			close(ch)
		}
		delete(b.subs, event.SessionID)
	}
}

// CreateSession creates an agent session bound to a directory.
func (b *HTTPBackend) CreateSession(ctx context.Context, title, directory string) (*Session, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}
	var session Session
	err := b.doJSON(ctx, http.MethodPost, "/session", map[string]any{
		"title":     title,
		"directory": directory,
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SendPrompt is the synchronous single-turn call. The response text is the
// concatenation of the returned text parts.
func (b *HTTPBackend) SendPrompt(ctx context.Context, sessionID, prompt string, model models.ModelRef) (string, error) {
	if !b.IsConnected() {
		return "", ErrNotConnected
	}
	var response struct {
		Parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
	}
	err := b.doJSON(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message",
		promptBody(prompt, model), &response)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, part := range response.Parts {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}

// SendPromptAsync fires a prompt; output arrives on the event stream.
func (b *HTTPBackend) SendPromptAsync(ctx context.Context, sessionID, prompt string, model models.ModelRef) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	return b.doJSON(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt",
		promptBody(prompt, model), nil)
}

func promptBody(prompt string, model models.ModelRef) map[string]any {
	return map[string]any{
		"model": map[string]string{
			"provider_id": model.ProviderID,
			"model_id":    model.ModelID,
		},
		"parts": []map[string]string{{"type": "text", "text": prompt}},
	}
}

// SubscribeEvents registers a stream for a session.
func (b *HTTPBackend) SubscribeEvents(_ context.Context, sessionID string) (<-chan AgentEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, nil, ErrNotConnected
	}
	ch := make(chan AgentEvent, 256)
	b.subs[sessionID] = append(b.subs[sessionID], ch)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		channels := b.subs[sessionID]
		for i, c := range channels {
			if c == ch {
				b.subs[sessionID] = append(channels[:i], channels[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

// AbortSession interrupts whatever the session is doing.
func (b *HTTPBackend) AbortSession(ctx context.Context, sessionID string) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	return b.doJSON(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil, nil)
}

// ReplyToPermission answers a pending permission request.
func (b *HTTPBackend) ReplyToPermission(ctx context.Context, sessionID, requestID string, allow bool) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	response := "reject"
	if allow {
		response = "allow"
	}
	return b.doJSON(ctx, http.MethodPost,
		"/session/"+url.PathEscape(sessionID)+"/permissions/"+url.PathEscape(requestID),
		map[string]string{"response": response}, nil)
}

// ReplyToQuestion answers a pending question from the agent.
func (b *HTTPBackend) ReplyToQuestion(ctx context.Context, sessionID, requestID, answer string) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	return b.doJSON(ctx, http.MethodPost,
		"/session/"+url.PathEscape(sessionID)+"/question/"+url.PathEscape(requestID),
		map[string]string{"answer": answer}, nil)
}

// ListModels returns every model the server offers, flattened per provider.
func (b *HTTPBackend) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}
	var response struct {
		Providers []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Connected bool   `json:"connected"`
			Models    []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"models"`
		} `json:"providers"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/config/providers", nil, &response); err != nil {
		return nil, err
	}
	var infos []models.ModelInfo
	for _, provider := range response.Providers {
		for _, model := range provider.Models {
			infos = append(infos, models.ModelInfo{
				ProviderID:   provider.ID,
				ProviderName: provider.Name,
				ModelID:      model.ID,
				ModelName:    model.Name,
				Connected:    provider.Connected,
			})
		}
	}
	return infos, nil
}

// DirectoryExists probes a directory on the agent server's machine.
func (b *HTTPBackend) DirectoryExists(ctx context.Context, dir string) (bool, error) {
	if !b.IsConnected() {
		return false, ErrNotConnected
	}
	var response struct {
		Exists bool `json:"exists"`
	}
	err := b.doJSON(ctx, http.MethodGet, "/directory?path="+url.QueryEscape(dir), nil, &response)
	if err != nil {
		return false, err
	}
	return response.Exists, nil
}

// doJSON performs one JSON request/response round trip. 404s on session
// paths surface as session_not_found; transport failures as
// connection_failed.
func (b *HTTPBackend) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return connectionError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/session/") {
		return ErrSessionNotFound
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent server %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
