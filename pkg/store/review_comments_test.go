package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/models"
)

func TestReviewComments_Lifecycle(t *testing.T) {
	stores := setupStores(t)
	ws := createTestWorkspace(t, stores)
	loop := createTestLoop(t, stores, ws.ID)
	ctx := context.Background()

	comment := &models.ReviewComment{
		ID:          uuid.New().String(),
		LoopID:      loop.Config.ID,
		ReviewCycle: 1,
		Text:        "rename this function",
	}
	require.NoError(t, stores.ReviewComments.CreateComment(ctx, comment))

	pending, err := stores.ReviewComments.ListPendingComments(ctx, loop.Config.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ReviewCommentPending, pending[0].Status)
	assert.Nil(t, pending[0].AddressedAt)

	require.NoError(t, stores.ReviewComments.MarkAddressed(ctx, comment.ID))

	got, err := stores.ReviewComments.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewCommentAddressed, got.Status)
	assert.NotNil(t, got.AddressedAt)

	pending, err = stores.ReviewComments.ListPendingComments(ctx, loop.Config.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkAddressed_NotFound(t *testing.T) {
	stores := setupStores(t)

	err := stores.ReviewComments.MarkAddressed(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateComment_Validation(t *testing.T) {
	stores := setupStores(t)

	err := stores.ReviewComments.CreateComment(context.Background(), &models.ReviewComment{
		ID: uuid.New().String(), LoopID: "l",
	})
	assert.True(t, IsValidationError(err))
}
