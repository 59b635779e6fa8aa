package loop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ralphlabs/ralpher/pkg/events"
	"github.com/ralphlabs/ralpher/pkg/models"
	"github.com/ralphlabs/ralpher/pkg/shell"
)

var (
	// ErrNotPlanning is returned when a plan operation hits a loop outside
	// the planning status
	ErrNotPlanning = errors.New("not_planning")

	// ErrPlanNotReady is returned when acceptPlan runs before the agent
	// signalled plan readiness
	ErrPlanNotReady = errors.New("plan_not_ready")
)

// planPending reports whether the loop is in the planning phase awaiting a
// ready plan.
func (e *Engine) planPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loop.State.Status != models.StatusPlanning {
		return false
	}
	pm := e.loop.State.PlanMode
	return pm == nil || !pm.IsPlanReady
}

// preparePlanningFolder applies the planning-folder rules in the worktree:
// a requested full clear happens exactly once per loop; a stale plan.md is
// removed on every plan start.
func (e *Engine) preparePlanningFolder(ctx context.Context, worktreePath string) error {
	e.update(func(l *models.Loop) {
		if l.State.PlanMode == nil {
			l.State.PlanMode = &models.PlanModeState{Active: true}
		}
	})

	planningDir := filepath.Join(worktreePath, ".planning")

	e.mu.Lock()
	needsClear := e.loop.Config.ClearPlanningFolder && !e.loop.State.PlanMode.PlanningFolderCleared
	e.mu.Unlock()

	if needsClear {
		if err := e.removePath(ctx, planningDir); err != nil {
			return fmt.Errorf("clearing planning folder: %w", err)
		}
		e.update(func(l *models.Loop) { l.State.PlanMode.PlanningFolderCleared = true })
	}

	// Stale plans never bleed across sessions.
	if err := e.removePath(ctx, filepath.Join(planningDir, "plan.md")); err != nil {
		return fmt.Errorf("removing stale plan: %w", err)
	}
	return nil
}

// removePath deletes a file or directory through the executor so it works
// for both local and remote workspaces.
func (e *Engine) removePath(ctx context.Context, path string) error {
	result, err := e.deps.Exec.Exec(ctx, "rm", []string{"-rf", path}, shell.ExecOptions{})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("rm -rf %s: %s", path, result.Stderr)
	}
	return nil
}

// runPlanning drives planning iterations until the agent signals plan
// readiness. The loop stays in planning throughout; the engine remains
// resident afterwards so feedback and accept operate on the same session.
func (e *Engine) runPlanning(ctx context.Context, prompt string) {
	for {
		if ctx.Err() != nil {
			e.handleStop(ctx)
			return
		}

		iteration := e.nextIteration()
		_, model := e.buildIterationPrompt()
		result := e.runIteration(ctx, e.sessionID(), iteration, prompt, model, []string{PlanReadyMarker})

		switch result.kind {
		case iterStopped:
			e.handleStop(ctx)
			return
		case iterComplete:
			e.update(func(l *models.Loop) {
				l.State.PlanMode.IsPlanReady = true
				l.State.ConsecutiveErrors = nil
			})
			e.persist(ctx)
			e.emit(events.EventPlanReady, map[string]any{"iteration": iteration})
			return
		case iterError:
			if e.recordError(ctx, result.errText, iteration) {
				return
			}
		case iterContinue:
			e.update(func(l *models.Loop) { l.State.ConsecutiveErrors = nil })
		}

		if iteration >= e.loop.Config.MaxIterations {
			e.transition(ctx, models.StatusMaxIterations, true)
			e.emit(events.EventLoopCompleted, map[string]any{
				"iteration": iteration, "reason": "max_iterations",
			})
			return
		}
	}
}

// SendPlanFeedback records a feedback round synchronously and injects the
// feedback into the planning session asynchronously. A rejected call leaves
// the plan state untouched.
func (e *Engine) SendPlanFeedback(feedback string) error {
	if e.status() != models.StatusPlanning {
		return ErrNotPlanning
	}

	var round int
	err := e.startRunWith(func(l *models.Loop) {
		if l.State.PlanMode == nil {
			l.State.PlanMode = &models.PlanModeState{Active: true}
		}
		l.State.PlanMode.IsPlanReady = false
		l.State.PlanMode.FeedbackRounds++
		round = l.State.PlanMode.FeedbackRounds
	}, func(ctx context.Context) {
		if err := e.setup(ctx); err != nil {
			e.failSetup(ctx, err)
			return
		}
		e.runPlanning(ctx, feedback)
	})
	if err != nil {
		return err
	}

	e.emit(events.EventPlanFeedback, map[string]any{"round": round})
	return nil
}

// AcceptPlan promotes a ready plan into normal loop execution on the same
// session.
func (e *Engine) AcceptPlan() error {
	e.mu.Lock()
	if e.loop.State.Status != models.StatusPlanning {
		e.mu.Unlock()
		return ErrNotPlanning
	}
	pm := e.loop.State.PlanMode
	if pm == nil || !pm.IsPlanReady {
		e.mu.Unlock()
		return ErrPlanNotReady
	}
	if e.loop.State.Session != nil {
		pm.PlanSessionID = e.loop.State.Session.ID
	}
	pm.Active = false
	e.mu.Unlock()

	e.emit(events.EventPlanAccepted, nil)

	return e.startRun(func(ctx context.Context) {
		e.runLoop(ctx)
	})
}

// DiscardPlan abandons a planning loop: the session is aborted and the loop
// is soft-deleted, keeping the worktree for inspection until purge.
func (e *Engine) DiscardPlan(ctx context.Context) error {
	if e.status() != models.StatusPlanning {
		return ErrNotPlanning
	}
	if err := e.Stop(ctx); err != nil {
		return err
	}
	if sessionID := e.sessionID(); sessionID != "" {
		_ = e.deps.Backend.AbortSession(ctx, sessionID)
	}
	e.transition(ctx, models.StatusDeleted, true)
	e.emit(events.EventPlanDiscarded, nil)
	return nil
}
