package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/models"
)

func TestSaveLoop_RoundTrip(t *testing.T) {
	stores := setupStores(t)
	ws := createTestWorkspace(t, stores)
	loop := createTestLoop(t, stores, ws.ID)

	got, err := stores.Loops.GetLoop(context.Background(), loop.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, loop.Config.Name, got.Config.Name)
	assert.Equal(t, models.ModeLoop, got.Config.Mode)
	assert.Equal(t, "anthropic", got.Config.Model.ProviderID)
	assert.Equal(t, models.StatusIdle, got.State.Status)
}

func TestSaveLoop_Upsert(t *testing.T) {
	stores := setupStores(t)
	ws := createTestWorkspace(t, stores)
	loop := createTestLoop(t, stores, ws.ID)

	loop.Config.Name = "renamed"
	loop.State.Status = models.StatusRunning
	require.NoError(t, stores.Loops.SaveLoop(context.Background(), loop))

	got, err := stores.Loops.GetLoop(context.Background(), loop.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Config.Name)
	assert.Equal(t, models.StatusRunning, got.State.Status)

	loops, err := stores.Loops.ListLoops(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Len(t, loops, 1)
}

func TestSaveLoop_Validation(t *testing.T) {
	stores := setupStores(t)

	err := stores.Loops.SaveLoop(context.Background(), &models.Loop{
		Config: models.LoopConfig{WorkspaceID: "w", Mode: models.ModeLoop},
		State:  models.LoopState{Status: models.StatusIdle},
	})
	assert.True(t, IsValidationError(err))

	err = stores.Loops.SaveLoop(context.Background(), &models.Loop{
		Config: models.LoopConfig{ID: "l", WorkspaceID: "w", Mode: "bogus"},
		State:  models.LoopState{Status: models.StatusIdle},
	})
	assert.True(t, IsValidationError(err))
}

func TestGetLoop_NotFound(t *testing.T) {
	stores := setupStores(t)

	_, err := stores.Loops.GetLoop(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateLoopConfig(t *testing.T) {
	stores := setupStores(t)
	ws := createTestWorkspace(t, stores)
	loop := createTestLoop(t, stores, ws.ID)

	err := stores.Loops.UpdateLoopConfig(context.Background(), loop.Config.ID, map[string]any{
		"prompt":         "updated prompt",
		"max_iterations": 10,
		"model":          models.ModelRef{ProviderID: "openai", ModelID: "gpt"},
	})
	require.NoError(t, err)

	got, err := stores.Loops.GetLoop(context.Background(), loop.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated prompt", got.Config.Prompt)
	assert.Equal(t, 10, got.Config.MaxIterations)
	assert.Equal(t, "openai", got.Config.Model.ProviderID)
}

func TestUpdateLoopConfig_InvalidColumn(t *testing.T) {
	stores := setupStores(t)
	ws := createTestWorkspace(t, stores)
	loop := createTestLoop(t, stores, ws.ID)

	err := stores.Loops.UpdateLoopConfig(context.Background(), loop.Config.ID, map[string]any{
		"status": "running",
	})
	assert.ErrorIs(t, err, ErrInvalidColumn)

	err = stores.Loops.UpdateLoopConfig(context.Background(), loop.Config.ID, map[string]any{
		"name; DROP TABLE loops": "x",
	})
	assert.ErrorIs(t, err, ErrInvalidColumn)
}

func TestUpdateLoopState(t *testing.T) {
	stores := setupStores(t)
	ws := createTestWorkspace(t, stores)
	loop := createTestLoop(t, stores, ws.ID)

	now := time.Now().UTC()
	state, err := stores.Loops.UpdateLoopState(context.Background(), loop.Config.ID,
		func(s *models.LoopState) error {
			s.Status = models.StatusRunning
			s.CurrentIteration = 3
			s.StartedAt = &now
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, state.Status)

	got, err := stores.Loops.GetLoop(context.Background(), loop.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.State.Status)
	assert.Equal(t, 3, got.State.CurrentIteration)
	require.NotNil(t, got.State.StartedAt)

	// Denormalised status column tracks the blob.
	loops, err := stores.Loops.ListLoops(context.Background(), ws.ID)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, models.StatusRunning, loops[0].State.Status)
}

func TestUpdateLoopState_FnErrorAborts(t *testing.T) {
	stores := setupStores(t)
	ws := createTestWorkspace(t, stores)
	loop := createTestLoop(t, stores, ws.ID)

	wantErr := assert.AnError
	_, err := stores.Loops.UpdateLoopState(context.Background(), loop.Config.ID,
		func(s *models.LoopState) error {
			s.Status = models.StatusFailed
			return wantErr
		})
	assert.ErrorIs(t, err, wantErr)

	got, err := stores.Loops.GetLoop(context.Background(), loop.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, got.State.Status)
}

func TestListLoops_NewestFirst(t *testing.T) {
	stores := setupStores(t)
	ws := createTestWorkspace(t, stores)

	first := createTestLoop(t, stores, ws.ID)
	time.Sleep(5 * time.Millisecond)
	second := createTestLoop(t, stores, ws.ID)

	loops, err := stores.Loops.ListLoops(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, loops, 2)
	assert.Equal(t, second.Config.ID, loops[0].Config.ID)
	assert.Equal(t, first.Config.ID, loops[1].Config.ID)
}

func TestDeleteLoop_Cascades(t *testing.T) {
	stores := setupStores(t)
	ws := createTestWorkspace(t, stores)
	loop := createTestLoop(t, stores, ws.ID)
	ctx := context.Background()

	require.NoError(t, stores.Sessions.SetSessionMapping(ctx, &models.SessionMapping{
		Backend: "opencode", LoopID: loop.Config.ID, SessionID: "s1",
	}))
	require.NoError(t, stores.ReviewComments.CreateComment(ctx, &models.ReviewComment{
		ID: uuid.New().String(), LoopID: loop.Config.ID, Text: "nit",
	}))

	require.NoError(t, stores.Loops.DeleteLoop(ctx, loop.Config.ID))

	_, err := stores.Sessions.GetSessionMapping(ctx, "opencode", loop.Config.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	comments, err := stores.ReviewComments.ListComments(ctx, loop.Config.ID)
	require.NoError(t, err)
	assert.Empty(t, comments)

	assert.ErrorIs(t, stores.Loops.DeleteLoop(ctx, loop.Config.ID), ErrNotFound)
}
