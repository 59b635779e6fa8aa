package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/backend"
	"github.com/ralphlabs/ralpher/pkg/events"
	"github.com/ralphlabs/ralpher/pkg/models"
)

func chatFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixture(t, func(l *models.Loop) {
		l.Config.Mode = models.ModeChat
		l.Config.Prompt = "hello there"
	})
}

func TestChat_FirstTurn(t *testing.T) {
	f := chatFixture(t)
	f.mock.EnqueueScript(backend.Script{Chunks: []string{"hi, how can I help?"}})

	require.NoError(t, f.engine.Start())
	f.waitDone(t)

	snapshot := f.engine.Snapshot()
	assert.Equal(t, models.StatusCompleted, snapshot.State.Status)
	require.Len(t, snapshot.State.Messages, 2)
	assert.Equal(t, "user", snapshot.State.Messages[0].Role)
	assert.Equal(t, "hello there", snapshot.State.Messages[0].Content)
	assert.Equal(t, "assistant", snapshot.State.Messages[1].Role)
	assert.Equal(t, "hi, how can I help?", snapshot.State.Messages[1].Content)
}

func TestChat_TurnOutcomeIsComplete(t *testing.T) {
	f := chatFixture(t)
	f.mock.EnqueueScript(backend.Script{Chunks: []string{"sure thing"}})

	require.NoError(t, f.engine.Start())
	f.waitDone(t)

	snapshot := f.engine.Snapshot()
	require.Len(t, snapshot.State.RecentIterations, 1)
	assert.Equal(t, models.OutcomeComplete, snapshot.State.RecentIterations[0].Outcome)

	f.mu.Lock()
	defer f.mu.Unlock()
	var outcome string
	for _, evt := range f.events {
		if evt.Type == events.EventLoopIterationEnd {
			outcome, _ = evt.Data["outcome"].(string)
		}
	}
	assert.Equal(t, string(models.OutcomeComplete), outcome)
}

func TestChat_SecondTurnReusesSession(t *testing.T) {
	f := chatFixture(t)
	f.mock.EnqueueScript(
		backend.Script{Chunks: []string{"first reply"}},
		backend.Script{Chunks: []string{"second reply"}},
	)

	require.NoError(t, f.engine.Start())
	f.waitDone(t)

	require.NoError(t, f.engine.SendChatMessage("follow-up question"))
	f.waitDone(t)

	snapshot := f.engine.Snapshot()
	assert.Equal(t, models.StatusCompleted, snapshot.State.Status)
	assert.Len(t, snapshot.State.Messages, 4)
	assert.Equal(t, 2, snapshot.State.CurrentIteration)

	prompts := f.mock.Prompts(snapshot.State.Session.ID)
	require.Len(t, prompts, 2)
	assert.Equal(t, "follow-up question", prompts[1])
}

func TestChat_TurnErrorRecorded(t *testing.T) {
	f := chatFixture(t)
	f.mock.EnqueueScript(backend.Script{Chunks: []string{"ERROR: provider unavailable\n"}})

	require.NoError(t, f.engine.Start())
	f.waitDone(t)

	// A failed turn still completes; the error is surfaced on the loop and
	// the conversation stays usable.
	snapshot := f.engine.Snapshot()
	assert.Equal(t, models.StatusCompleted, snapshot.State.Status)
	require.NotNil(t, snapshot.State.Error)
	assert.Equal(t, "provider unavailable", snapshot.State.Error.Message)
}

func TestChat_RejectsNonChatLoop(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.engine.SendChatMessage("hi"), ErrChatUnavailable)
}

func TestChat_RejectsTerminalStatuses(t *testing.T) {
	for _, status := range []models.LoopStatus{
		models.StatusStopped, models.StatusDeleted, models.StatusFailed,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, func(l *models.Loop) {
				l.Config.Mode = models.ModeChat
				l.State.Status = status
			})
			assert.ErrorIs(t, f.engine.SendChatMessage("hi"), ErrChatUnavailable)
		})
	}
}
