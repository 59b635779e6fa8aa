package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/models"
)

func setupMock(t *testing.T) (*MockBackend, *Session) {
	t.Helper()
	b := NewMockBackend()
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Disconnect() })

	session, err := b.CreateSession(context.Background(), "test", "/repo")
	require.NoError(t, err)
	return b, session
}

// drain collects every event until the stream closes.
func drain(t *testing.T, ch <-chan AgentEvent) []AgentEvent {
	t.Helper()
	var events []AgentEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatal("event stream never closed")
		}
	}
}

func TestMockBackend_ScriptedTurn(t *testing.T) {
	b, session := setupMock(t)
	ctx := context.Background()

	b.EnqueueScript(Script{
		Chunks: []string{"working on it... ", "<promise>COMPLETE</promise>"},
		Tools:  []ToolInfo{{Name: "bash", Status: "completed"}},
		Todos:  []models.TodoItem{{Content: "ship it", Status: "completed"}},
	})

	ch, cancel, err := b.SubscribeEvents(ctx, session.ID)
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, b.SendPromptAsync(ctx, session.ID, "go", models.ModelRef{}))

	events := drain(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, EventMessageStart, events[0].Type)
	assert.Equal(t, EventSessionIdle, events[len(events)-1].Type)

	var text strings.Builder
	var sawTool, sawTodos bool
	for _, event := range events {
		switch event.Type {
		case EventMessageDelta:
			text.WriteString(event.Text)
		case EventToolComplete:
			sawTool = true
		case EventTodosUpdated:
			sawTodos = true
		}
	}
	assert.Contains(t, text.String(), "<promise>COMPLETE</promise>")
	assert.True(t, sawTool)
	assert.True(t, sawTodos)
	assert.Equal(t, []string{"go"}, b.Prompts(session.ID))
}

func TestMockBackend_AbortEndsStream(t *testing.T) {
	b, session := setupMock(t)
	ctx := context.Background()

	b.EnqueueScript(Script{Hang: true})
	ch, cancel, err := b.SubscribeEvents(ctx, session.ID)
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, b.SendPromptAsync(ctx, session.ID, "go", models.ModelRef{}))

	// Give the hang script time to emit message.start.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.AbortSession(ctx, session.ID))

	events := drain(t, ch)
	assert.Equal(t, EventSessionIdle, events[len(events)-1].Type)
	assert.Equal(t, 1, b.AbortCount(session.ID))
}

func TestMockBackend_SessionNotFound(t *testing.T) {
	b, _ := setupMock(t)
	ctx := context.Background()

	err := b.SendPromptAsync(ctx, "nope", "go", models.ModelRef{})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, _, err = b.SubscribeEvents(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMockBackend_NotConnected(t *testing.T) {
	b := NewMockBackend()

	_, err := b.CreateSession(context.Background(), "t", "/repo")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = b.ListModels(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMockBackend_SyncReplies(t *testing.T) {
	b, session := setupMock(t)

	b.EnqueueSyncReply("Fix login bug")
	reply, err := b.SendPrompt(context.Background(), session.ID, "name this work", models.ModelRef{})
	require.NoError(t, err)
	assert.Equal(t, "Fix login bug", reply)

	reply, err = b.SendPrompt(context.Background(), session.ID, "again", models.ModelRef{})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
}
