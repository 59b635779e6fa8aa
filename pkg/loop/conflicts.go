package loop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ralphlabs/ralpher/pkg/models"
)

// ResolveConflicts runs a conflict-resolution sub-loop: a fresh agent session
// is pointed at the worktree's in-progress merge and driven until it commits
// a resolution and emits the completion marker. onResolved is invoked with
// the outcome once the sub-loop finishes.
func (e *Engine) ResolveConflicts(phase models.SyncPhase, conflictedFiles []string, autoPush bool, onResolved func(success bool)) error {
	return e.startRun(func(ctx context.Context) {
		e.update(func(l *models.Loop) {
			l.State.SyncState = &models.SyncState{
				SyncPhase:          phase,
				AutoPushOnComplete: autoPush,
			}
		})
		e.transition(ctx, models.StatusResolvingConflicts, true)

		e.mu.Lock()
		gitState := e.loop.State.Git
		name := e.loop.Config.Name
		e.mu.Unlock()
		if gitState == nil {
			e.failWith(ctx, "no worktree for conflict resolution")
			onResolved(false)
			return
		}

		// Resolution runs on its own session: the primary session's context
		// is about the task, not the merge.
		session, err := e.deps.Backend.CreateSession(ctx, name+" (conflict resolution)", gitState.WorktreePath)
		if err != nil {
			e.update(func(l *models.Loop) { l.State.SyncState.AutoPushOnComplete = false })
			e.failWith(ctx, fmt.Sprintf("creating resolution session: %v", err))
			onResolved(false)
			return
		}
		e.update(func(l *models.Loop) { l.State.SyncState.ResolutionSessionID = session.ID })
		e.persist(ctx)

		iteration := e.nextIteration()
		_, model := e.buildIterationPrompt()
		prompt := conflictPrompt(phase, conflictedFiles)
		result := e.runIteration(ctx, session.ID, iteration, prompt, model, []string{CompleteMarker})

		switch result.kind {
		case iterStopped:
			onResolved(false)
			e.handleStop(ctx)
		case iterComplete:
			e.update(func(l *models.Loop) {
				l.State.ConsecutiveErrors = nil
				now := e.deps.now().UTC()
				l.State.CompletedAt = &now
			})
			e.transition(ctx, models.StatusCompleted, true)
			slog.Info("Conflicts resolved",
				"loop_id", e.loop.Config.ID, "phase", string(phase), "files", len(conflictedFiles))
			onResolved(true)
		default:
			message := result.errText
			if message == "" {
				message = "conflict resolution ended without completing"
			}
			e.update(func(l *models.Loop) {
				if l.State.SyncState != nil {
					l.State.SyncState.AutoPushOnComplete = false
				}
			})
			e.failWith(ctx, message)
			onResolved(false)
		}
	})
}

// conflictPrompt builds the instruction for a resolution session.
func conflictPrompt(phase models.SyncPhase, files []string) string {
	var b strings.Builder
	b.WriteString("The repository you are in has a merge in progress with unresolved conflicts")
	if phase == models.SyncPhaseBaseBranch {
		b.WriteString(" from merging the base branch into the working branch")
	} else {
		b.WriteString(" from merging the remote working branch")
	}
	b.WriteString(".\n\nConflicted files:\n")
	for _, file := range files {
		fmt.Fprintf(&b, "- %s\n", file)
	}
	b.WriteString("\nResolve every conflict, keeping the intent of both sides where possible. ")
	b.WriteString("Stage the resolved files and commit the merge. ")
	fmt.Fprintf(&b, "When the merge commit exists and `git status` is clean, output %s.", CompleteMarker)
	return b.String()
}
