package loop

import (
	"context"
	"errors"

	"github.com/ralphlabs/ralpher/pkg/events"
	"github.com/ralphlabs/ralpher/pkg/models"
)

// ErrChatUnavailable is returned when a chat message is sent to a loop that
// is not in chat mode or can no longer accept turns.
var ErrChatUnavailable = errors.New("chat_unavailable")

// runChatTurn runs exactly one agent turn for a chat loop. The turn always
// ends completed; the engine stays resident so the next message reuses the
// session.
func (e *Engine) runChatTurn(ctx context.Context, message string) {
	now := e.deps.now().UTC()
	e.update(func(l *models.Loop) {
		l.State.Messages = append(l.State.Messages, models.ChatMessage{
			Role:      "user",
			Content:   message,
			Timestamp: now,
		})
	})
	e.transition(ctx, models.StatusRunning, false)

	iteration := e.nextIteration()
	_, model := e.buildIterationPrompt()
	result := e.runIteration(ctx, e.sessionID(), iteration, message, model, nil)

	if result.kind == iterStopped {
		e.handleStop(ctx)
		return
	}

	e.update(func(l *models.Loop) {
		if result.buffer != "" {
			l.State.Messages = append(l.State.Messages, models.ChatMessage{
				Role:      "assistant",
				Content:   result.buffer,
				Timestamp: e.deps.now().UTC(),
			})
		}
		if result.kind == iterError {
			l.State.Error = &models.LoopError{
				Message:   result.errText,
				Iteration: iteration,
				Timestamp: e.deps.now().UTC(),
			}
		}
		l.State.ConsecutiveErrors = nil
		completed := e.deps.now().UTC()
		l.State.CompletedAt = &completed
	})
	e.transition(ctx, models.StatusCompleted, true)
	e.emit(events.EventLoopCompleted, map[string]any{"iteration": iteration})
}

// SendChatMessage queues one chat turn. The setup step is idempotent, so a
// freshly recovered engine recreates nothing that already exists.
func (e *Engine) SendChatMessage(message string) error {
	e.mu.Lock()
	mode := e.loop.Config.Mode
	status := e.loop.State.Status
	e.mu.Unlock()

	if mode != models.ModeChat {
		return ErrChatUnavailable
	}
	switch status {
	case models.StatusStopped, models.StatusDeleted, models.StatusFailed:
		return ErrChatUnavailable
	}

	return e.startRun(func(ctx context.Context) {
		if err := e.setup(ctx); err != nil {
			e.failSetup(ctx, err)
			return
		}
		e.runChatTurn(ctx, message)
	})
}
