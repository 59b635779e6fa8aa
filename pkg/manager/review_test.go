package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/backend"
	"github.com/ralphlabs/ralpher/pkg/models"
	"github.com/ralphlabs/ralpher/pkg/store"
)

// mergedLoop runs a loop to completion and accepts it.
func mergedLoop(t *testing.T, f *fixture) *models.Loop {
	t.Helper()
	ctx := context.Background()
	lp := f.createLoop(t, nil)
	f.mock.EnqueueScript(backend.Script{Chunks: []string{"<promise>COMPLETE</promise>"}})
	require.NoError(t, f.manager.StartLoop(ctx, lp.Config.ID, StartOptions{}))
	completed := f.waitStatus(t, lp.Config.ID, models.StatusCompleted)

	worktree := completed.State.Git.WorktreePath
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "fix.txt"), []byte("patched\n"), 0o644))
	runGit(t, worktree, "add", ".")
	runGit(t, worktree, "commit", "-m", "ralph: fix")

	require.NoError(t, f.manager.AcceptLoop(ctx, lp.Config.ID))
	return f.waitStatus(t, lp.Config.ID, models.StatusMerged)
}

func TestReviewComments_Lifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	lp := mergedLoop(t, f)

	comment, err := f.manager.AddReviewComment(ctx, lp.Config.ID, "rename the helper")
	require.NoError(t, err)
	assert.Equal(t, 0, comment.ReviewCycle)
	assert.Equal(t, models.ReviewCommentPending, comment.Status)

	comments, err := f.manager.ListReviewComments(ctx, lp.Config.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)

	// Addressing jumpstarts the loop with the comments as the prompt.
	f.mock.EnqueueScript(backend.Script{Chunks: []string{"<promise>COMPLETE</promise>"}})
	require.NoError(t, f.manager.AddressReviewComments(ctx, lp.Config.ID))

	final := f.waitStatus(t, lp.Config.ID, models.StatusCompleted)
	prompts := f.mock.Prompts(final.State.Session.ID)
	assert.Contains(t, prompts[len(prompts)-1], "rename the helper")

	comments, err = f.manager.ListReviewComments(ctx, lp.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewCommentAddressed, comments[0].Status)
	assert.NotNil(t, comments[0].AddressedAt)
}

func TestReviewComments_RequireReviewMode(t *testing.T) {
	f := setup(t)
	lp := f.createLoop(t, nil)

	_, err := f.manager.AddReviewComment(context.Background(), lp.Config.ID, "too early")
	assert.True(t, store.IsValidationError(err))
}

func TestReviewComments_RejectEmptyText(t *testing.T) {
	f := setup(t)
	lp := mergedLoop(t, f)

	_, err := f.manager.AddReviewComment(context.Background(), lp.Config.ID, "   ")
	assert.True(t, store.IsValidationError(err))
}

func TestAddressReviewComments_NoPending(t *testing.T) {
	f := setup(t)
	lp := mergedLoop(t, f)

	err := f.manager.AddressReviewComments(context.Background(), lp.Config.ID)
	assert.True(t, store.IsValidationError(err))
}

func TestReviewComments_CycleIncrements(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	lp := mergedLoop(t, f)

	_, err := f.manager.AddReviewComment(ctx, lp.Config.ID, "first round")
	require.NoError(t, err)

	f.mock.EnqueueScript(backend.Script{Chunks: []string{"<promise>COMPLETE</promise>"}})
	require.NoError(t, f.manager.AddressReviewComments(ctx, lp.Config.ID))
	f.waitStatus(t, lp.Config.ID, models.StatusCompleted)

	// The next comment lands in the incremented cycle. The loop left review
	// mode state intact through the jumpstart.
	current, err := f.manager.GetLoop(ctx, lp.Config.ID)
	require.NoError(t, err)
	require.NotNil(t, current.State.ReviewMode)
	assert.Equal(t, 1, current.State.ReviewMode.ReviewCycles)

	comment, err := f.manager.AddReviewComment(ctx, lp.Config.ID, "second round")
	require.NoError(t, err)
	assert.Equal(t, 1, comment.ReviewCycle)
}
