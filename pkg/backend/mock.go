package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ralphlabs/ralpher/pkg/models"
)

// Script is one scripted agent turn for the mock backend. Each
// SendPromptAsync consumes the next script in order.
type Script struct {
	// Chunks are emitted as message.delta events in order.
	Chunks []string
	// Tools are emitted as tool.complete events before the message ends.
	Tools []ToolInfo
	// Todos, when set, are emitted as a todos.updated event.
	Todos []models.TodoItem
	// Hang emits message.start and then nothing, for timeout tests.
	Hang bool
	// Delay spaces out the emitted events.
	Delay time.Duration
}

// MockBackend is a scripted in-memory backend for tests.
type MockBackend struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	sessions    map[string]bool
	scripts     []Script
	subs        map[string][]chan AgentEvent
	prompts     map[string][]string
	aborted     map[string]int
	syncReplies []string
	models      []models.ModelInfo
	missingDirs map[string]bool
	nextSession int
}

// NewMockBackend creates a mock with one connected default model.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		sessions:    make(map[string]bool),
		subs:        make(map[string][]chan AgentEvent),
		prompts:     make(map[string][]string),
		aborted:     make(map[string]int),
		missingDirs: make(map[string]bool),
		models: []models.ModelInfo{{
			ProviderID:   "anthropic",
			ProviderName: "Anthropic",
			ModelID:      "claude",
			ModelName:    "Claude",
			Connected:    true,
		}},
	}
}

// EnqueueScript appends scripted turns consumed by future SendPromptAsync
// calls.
func (b *MockBackend) EnqueueScript(scripts ...Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts = append(b.scripts, scripts...)
}

// EnqueueSyncReply appends a response for a future synchronous SendPrompt.
func (b *MockBackend) EnqueueSyncReply(replies ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncReplies = append(b.syncReplies, replies...)
}

// SetModels replaces the advertised model list.
func (b *MockBackend) SetModels(infos []models.ModelInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models = infos
}

// FailConnect makes the next Connect fail.
func (b *MockBackend) FailConnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// MarkDirectoryMissing makes DirectoryExists report false for dir.
func (b *MockBackend) MarkDirectoryMissing(dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.missingDirs[dir] = true
}

// Prompts returns the prompts a session received, in order.
func (b *MockBackend) Prompts(sessionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts[sessionID]...)
}

// AbortCount returns how many times a session was aborted.
func (b *MockBackend) AbortCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted[sessionID]
}

func (b *MockBackend) Name() string      { return "mock" }
func (b *MockBackend) ServerURL() string { return "mock://local" }

func (b *MockBackend) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		err := b.connectErr
		b.connectErr = nil
		return connectionError(err)
	}
	b.connected = true
	return nil
}

func (b *MockBackend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	for sessionID, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
		delete(b.subs, sessionID)
	}
	return nil
}

func (b *MockBackend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *MockBackend) CreateSession(_ context.Context, title, _ string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	b.nextSession++
	id := fmt.Sprintf("mock-session-%d", b.nextSession)
	b.sessions[id] = true
	return &Session{ID: id, Title: title, CreatedAt: time.Now().UTC().Format(time.RFC3339)}, nil
}

func (b *MockBackend) SendPrompt(_ context.Context, sessionID, prompt string, _ models.ModelRef) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return "", ErrNotConnected
	}
	if !b.sessions[sessionID] {
		return "", ErrSessionNotFound
	}
	b.prompts[sessionID] = append(b.prompts[sessionID], prompt)
	if len(b.syncReplies) == 0 {
		return "ok", nil
	}
	reply := b.syncReplies[0]
	b.syncReplies = b.syncReplies[1:]
	return reply, nil
}

func (b *MockBackend) SendPromptAsync(_ context.Context, sessionID, prompt string, _ models.ModelRef) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	if !b.sessions[sessionID] {
		b.mu.Unlock()
		return ErrSessionNotFound
	}
	b.prompts[sessionID] = append(b.prompts[sessionID], prompt)

	script := Script{Chunks: []string{"ok"}}
	if len(b.scripts) > 0 {
		script = b.scripts[0]
		b.scripts = b.scripts[1:]
	}
	b.mu.Unlock()

	go b.playScript(sessionID, script)
	return nil
}

// playScript emits the scripted events and ends the session's streams.
func (b *MockBackend) playScript(sessionID string, script Script) {
	b.emit(AgentEvent{Type: EventMessageStart, SessionID: sessionID})
	if script.Hang {
		return
	}
	var full strings.Builder
	for _, chunk := range script.Chunks {
		if script.Delay > 0 {
			time.Sleep(script.Delay)
		}
		full.WriteString(chunk)
		b.emit(AgentEvent{Type: EventMessageDelta, SessionID: sessionID, Text: chunk})
	}
	for _, tool := range script.Tools {
		tool := tool
		b.emit(AgentEvent{Type: EventToolComplete, SessionID: sessionID, Tool: &tool})
	}
	if script.Todos != nil {
		b.emit(AgentEvent{Type: EventTodosUpdated, SessionID: sessionID, Todos: script.Todos})
	}
	b.emit(AgentEvent{Type: EventMessageComplete, SessionID: sessionID, Text: full.String()})
	b.endStreams(sessionID, AgentEvent{Type: EventSessionIdle, SessionID: sessionID})
}

// emit delivers under the lock so a concurrent cancel cannot close a channel
// mid-send. Channels are buffered well past any script's event count.
func (b *MockBackend) emit(event AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[event.SessionID] {
		ch <- event
	}
}

// endStreams delivers a final event and closes the session's channels.
func (b *MockBackend) endStreams(sessionID string, final AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[sessionID] {
		ch <- final
		close(ch)
	}
	delete(b.subs, sessionID)
}

func (b *MockBackend) SubscribeEvents(_ context.Context, sessionID string) (<-chan AgentEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, nil, ErrNotConnected
	}
	if !b.sessions[sessionID] {
		return nil, nil, ErrSessionNotFound
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

func (b *MockBackend) AbortSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	if !b.sessions[sessionID] {
		b.mu.Unlock()
		return ErrSessionNotFound
	}
	b.aborted[sessionID]++
	b.mu.Unlock()
	b.endStreams(sessionID, AgentEvent{Type: EventSessionIdle, SessionID: sessionID})
	return nil
}

func (b *MockBackend) ReplyToPermission(_ context.Context, sessionID, _ string, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.sessions[sessionID] {
		return ErrSessionNotFound
	}
	return nil
}

func (b *MockBackend) ReplyToQuestion(_ context.Context, sessionID, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.sessions[sessionID] {
		return ErrSessionNotFound
	}
	return nil
}

func (b *MockBackend) ListModels(_ context.Context) ([]models.ModelInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	return append([]models.ModelInfo(nil), b.models...), nil
}

func (b *MockBackend) DirectoryExists(_ context.Context, dir string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return false, ErrNotConnected
	}
	return !b.missingDirs[dir], nil
}
