package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/backend"
	"github.com/ralphlabs/ralpher/pkg/events"
	"github.com/ralphlabs/ralpher/pkg/models"
)

// completedLoopWithRemote runs a loop to completion against a repo that has
// a bare origin, committing one change in the worktree.
func completedLoopWithRemote(t *testing.T, f *fixture) (*models.Loop, string) {
	t.Helper()
	ctx := context.Background()
	bare := addRemote(t, f.repo)

	lp := f.createLoop(t, nil)
	f.mock.EnqueueScript(backend.Script{Chunks: []string{"<promise>COMPLETE</promise>"}})
	require.NoError(t, f.manager.StartLoop(ctx, lp.Config.ID, StartOptions{}))
	completed := f.waitStatus(t, lp.Config.ID, models.StatusCompleted)

	worktree := completed.State.Git.WorktreePath
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "fix.txt"), []byte("patched\n"), 0o644))
	runGit(t, worktree, "add", ".")
	runGit(t, worktree, "commit", "-m", "ralph: fix")
	return completed, bare
}

func TestPushLoop_AlreadyUpToDate(t *testing.T) {
	f := setup(t)
	completed, bare := completedLoopWithRemote(t, f)

	result, err := f.manager.PushLoop(context.Background(), completed.Config.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.SyncAlreadyUpToDate, result.SyncStatus)
	assert.Equal(t, completed.State.Git.WorkingBranch, result.RemoteBranch)

	final := f.waitStatus(t, completed.Config.ID, models.StatusPushed)
	require.NotNil(t, final.State.ReviewMode)
	assert.Equal(t, models.CompletionPush, final.State.ReviewMode.CompletionAction)
	assert.Nil(t, final.State.SyncState)

	// The branch landed on origin.
	heads := runGit(t, bare, "branch", "--list", completed.State.Git.WorkingBranch)
	assert.NotEmpty(t, heads)

	types := f.eventTypes()
	assert.Contains(t, types, events.EventSyncStarted)
	assert.Contains(t, types, events.EventSyncClean)
	assert.Contains(t, types, events.EventLoopPushed)
}

func TestPushLoop_CleanMerge(t *testing.T) {
	f := setup(t)
	completed, _ := completedLoopWithRemote(t, f)

	// A non-conflicting commit lands on origin/main after the loop forked.
	require.NoError(t, os.WriteFile(filepath.Join(f.repo, "other.txt"), []byte("upstream\n"), 0o644))
	runGit(t, f.repo, "add", ".")
	runGit(t, f.repo, "commit", "-m", "upstream change")
	runGit(t, f.repo, "push", "origin", "main")

	result, err := f.manager.PushLoop(context.Background(), completed.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncClean, result.SyncStatus)
	assert.NotEmpty(t, result.RemoteBranch)
	f.waitStatus(t, completed.Config.ID, models.StatusPushed)
}

func TestPushLoop_ConflictResolution(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	completed, bare := completedLoopWithRemote(t, f)
	worktree := completed.State.Git.WorktreePath

	// Conflicting edits to README on both sides of the fork.
	require.NoError(t, os.WriteFile(filepath.Join(f.repo, "README.md"), []byte("upstream version\n"), 0o644))
	runGit(t, f.repo, "add", ".")
	runGit(t, f.repo, "commit", "-m", "upstream edit")
	runGit(t, f.repo, "push", "origin", "main")
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "README.md"), []byte("loop version\n"), 0o644))
	runGit(t, worktree, "add", ".")
	runGit(t, worktree, "commit", "-m", "ralph: edit")

	// The resolution turn: the agent "resolves" and signals completion; the
	// engine commits the merge. The follow-up push finds everything merged.
	f.mock.EnqueueScript(backend.Script{Chunks: []string{"resolved <promise>COMPLETE</promise>"}})

	result, err := f.manager.PushLoop(ctx, completed.Config.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.SyncConflictsBeingResolved, result.SyncStatus)
	assert.Empty(t, result.RemoteBranch)
	assert.Contains(t, f.eventTypes(), events.EventSyncConflicts)

	final := f.waitStatus(t, completed.Config.ID, models.StatusPushed)
	assert.Nil(t, final.State.SyncState)
	require.NotNil(t, final.State.ReviewMode)
	assert.Equal(t, models.CompletionPush, final.State.ReviewMode.CompletionAction)

	heads := runGit(t, bare, "branch", "--list", completed.State.Git.WorkingBranch)
	assert.NotEmpty(t, heads)
}

func TestPushLoop_RequiresCompletedStatus(t *testing.T) {
	f := setup(t)
	lp := f.createLoop(t, nil)

	_, err := f.manager.PushLoop(context.Background(), lp.Config.ID)
	assert.ErrorIs(t, err, ErrPushFailed)
}

func TestUpdateBranch_RequiresPushedStatus(t *testing.T) {
	f := setup(t)
	lp := f.createLoop(t, nil)

	_, err := f.manager.UpdateBranch(context.Background(), lp.Config.ID)
	assert.ErrorIs(t, err, ErrUpdateBranchFailed)
}

func TestUpdateBranch_SyncsReviewBranch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	completed, _ := completedLoopWithRemote(t, f)

	_, err := f.manager.PushLoop(ctx, completed.Config.ID)
	require.NoError(t, err)
	f.waitStatus(t, completed.Config.ID, models.StatusPushed)

	// Base moves forward after the push.
	require.NoError(t, os.WriteFile(filepath.Join(f.repo, "later.txt"), []byte("later\n"), 0o644))
	runGit(t, f.repo, "add", ".")
	runGit(t, f.repo, "commit", "-m", "later change")
	runGit(t, f.repo, "push", "origin", "main")

	result, err := f.manager.UpdateBranch(ctx, completed.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncClean, result.SyncStatus)

	// The review branch picked up the base change locally and remotely.
	assert.FileExists(t, filepath.Join(completed.State.Git.WorktreePath, "later.txt"))
	final, err := f.manager.GetLoop(ctx, completed.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPushed, final.State.Status)
}

func TestPushLoop_RemoteTipMatchesLocal(t *testing.T) {
	f := setup(t)
	completed, bare := completedLoopWithRemote(t, f)

	_, err := f.manager.PushLoop(context.Background(), completed.Config.ID)
	require.NoError(t, err)
	f.waitStatus(t, completed.Config.ID, models.StatusPushed)

	branch := completed.State.Git.WorkingBranch
	local := runGit(t, completed.State.Git.WorktreePath, "rev-parse", branch)
	remote := runGit(t, bare, "rev-parse", branch)
	assert.Equal(t, local, remote)

	// Allow async cleanup from the push before teardown.
	time.Sleep(50 * time.Millisecond)
}
