package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ralphlabs/ralpher/pkg/events"
	"github.com/ralphlabs/ralpher/pkg/git"
	"github.com/ralphlabs/ralpher/pkg/models"
)

// PushLoop brings the working branch up to date with the base branch and
// pushes it. Conflicts hand off to a resolution engine; its completion
// handler re-enters this flow, so a single call may finish asynchronously
// with syncStatus conflicts_being_resolved.
func (m *Manager) PushLoop(ctx context.Context, id string) (*models.SyncResult, error) {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	lp, err := m.loadLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	switch lp.State.Status {
	case models.StatusCompleted, models.StatusMaxIterations:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrPushFailed, lp.State.Status)
	}
	return m.syncAndPush(ctx, lp, true)
}

// UpdateBranch re-syncs a pushed loop's review branch with base changes.
// Identical to push except for the status precondition.
func (m *Manager) UpdateBranch(ctx context.Context, id string) (*models.SyncResult, error) {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	lp, err := m.loadLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if lp.State.Status != models.StatusPushed {
		return nil, fmt.Errorf("%w: status %s", ErrUpdateBranchFailed, lp.State.Status)
	}
	return m.syncAndPush(ctx, lp, true)
}

// syncAndPush runs the two-phase sync (base branch, then remote working
// branch) and pushes on success. The caller holds the loop mutex and has
// checked the status precondition.
func (m *Manager) syncAndPush(ctx context.Context, lp *models.Loop, autoPush bool) (*models.SyncResult, error) {
	gitState := lp.State.Git
	if gitState == nil {
		return nil, fmt.Errorf("%w: loop has no git state", ErrPushFailed)
	}
	dir := lp.Config.Directory
	worktree := gitState.WorktreePath
	baseBranch := lp.Config.BaseBranch
	if baseBranch == "" {
		baseBranch = gitState.OriginalBranch
	}

	m.bus.Emit(events.Event{Type: events.EventSyncStarted, LoopID: lp.Config.ID})

	if err := m.git.EnsureMergeStrategy(ctx, dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}

	status := models.SyncAlreadyUpToDate

	// Phase one: fold remote base-branch changes into the working branch.
	if err := m.git.Fetch(ctx, dir, "origin", baseBranch); err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %v", ErrPushFailed, baseBranch, err)
	}
	merged, err := m.git.MergeFromRemote(ctx, worktree, baseBranch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	if merged.Conflicts {
		return m.beginConflictResolution(ctx, lp, models.SyncPhaseBaseBranch, merged, autoPush)
	}
	if outcome := syncOutcome(merged, lp.Config.ID, m.bus); outcome == models.SyncClean {
		status = models.SyncClean
	}

	// Phase two: a review branch someone else pushed to must be merged
	// before our push can fast-forward.
	remoteExists, err := m.git.RemoteBranchExists(ctx, dir, gitState.WorkingBranch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	if remoteExists {
		if err := m.git.Fetch(ctx, dir, "origin", gitState.WorkingBranch); err != nil {
			return nil, fmt.Errorf("%w: fetching %s: %v", ErrPushFailed, gitState.WorkingBranch, err)
		}
		merged, err := m.git.MergeFromRemote(ctx, worktree, gitState.WorkingBranch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
		}
		if merged.Conflicts {
			return m.beginConflictResolution(ctx, lp, models.SyncPhaseWorkingBranch, merged, autoPush)
		}
		if outcome := syncOutcome(merged, lp.Config.ID, m.bus); outcome == models.SyncClean {
			status = models.SyncClean
		}
	}

	if err := m.git.Push(ctx, worktree, gitState.WorkingBranch, !remoteExists); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}

	if _, err := m.stores.Loops.UpdateLoopState(ctx, lp.Config.ID, func(state *models.LoopState) error {
		state.Status = models.StatusPushed
		state.SyncState = nil
		if state.ReviewMode == nil {
			state.ReviewMode = &models.ReviewModeState{
				Addressable:      true,
				CompletionAction: models.CompletionPush,
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if eng := m.engine(lp.Config.ID); eng != nil && !eng.Running() {
		m.dropEngine(lp.Config.ID)
	}
	m.bus.Emit(events.Event{Type: events.EventLoopPushed, LoopID: lp.Config.ID,
		Data: map[string]any{"branch": gitState.WorkingBranch}})
	slog.Info("Pushed loop branch",
		"loop_id", lp.Config.ID, "branch", gitState.WorkingBranch, "sync_status", string(status))

	return &models.SyncResult{
		Success:      true,
		SyncStatus:   status,
		RemoteBranch: gitState.WorkingBranch,
	}, nil
}

// syncOutcome emits the clean-sync event and classifies the merge.
func syncOutcome(merged *git.MergeResult, loopID string, bus *events.Bus) models.SyncStatus {
	if merged.AlreadyUpToDate {
		bus.Emit(events.Event{Type: events.EventSyncClean, LoopID: loopID,
			Data: map[string]any{"already_up_to_date": true}})
		return models.SyncAlreadyUpToDate
	}
	bus.Emit(events.Event{Type: events.EventSyncClean, LoopID: loopID})
	return models.SyncClean
}

// beginConflictResolution hands the in-progress merge to a resolution
// engine and returns immediately. On success the completion handler re-runs
// the push flow.
func (m *Manager) beginConflictResolution(ctx context.Context, lp *models.Loop, phase models.SyncPhase, merged *git.MergeResult, autoPush bool) (*models.SyncResult, error) {
	m.bus.Emit(events.Event{Type: events.EventSyncConflicts, LoopID: lp.Config.ID,
		Data: map[string]any{"phase": string(phase), "files": merged.ConflictedFiles}})

	eng, err := m.engineFor(ctx, lp)
	if err != nil {
		abortSyncMerge(ctx, m, lp)
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}

	id := lp.Config.ID
	if err := eng.ResolveConflicts(phase, merged.ConflictedFiles, autoPush, func(success bool) {
		if !success {
			slog.Warn("Conflict resolution failed", "loop_id", id, "phase", string(phase))
			return
		}
		if !autoPush {
			return
		}
		// Re-enter the push flow once the engine's run task has fully wound
		// down; it holds no locks by then.
		done := eng.Done()
		go func() {
			<-done
			if _, err := m.PushLoop(context.Background(), id); err != nil {
				slog.Error("Push after conflict resolution failed", "loop_id", id, "error", err)
			}
		}()
	}); err != nil {
		abortSyncMerge(ctx, m, lp)
		return nil, fmt.Errorf("%w: %v", ErrPushFailed, err)
	}

	return &models.SyncResult{
		Success:    true,
		SyncStatus: models.SyncConflictsBeingResolved,
	}, nil
}

// abortSyncMerge abandons the conflicted merge when no resolution engine
// could take it over, leaving the worktree usable.
func abortSyncMerge(ctx context.Context, m *Manager, lp *models.Loop) {
	if lp.State.Git == nil {
		return
	}
	if err := m.git.AbortMerge(ctx, lp.State.Git.WorktreePath); err != nil {
		slog.Warn("Failed to abort sync merge", "loop_id", lp.Config.ID, "error", err)
	}
}
