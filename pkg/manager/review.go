package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ralphlabs/ralpher/pkg/models"
	"github.com/ralphlabs/ralpher/pkg/store"
)

// UpdateDraft edits a draft loop's configuration. Only drafts may change
// arbitrary config; running loops are limited to pending prompt/model via
// InjectPending.
func (m *Manager) UpdateDraft(ctx context.Context, id string, updates map[string]any) (*models.Loop, error) {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	lp, err := m.loadLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	if lp.State.Status != models.StatusDraft {
		return nil, ErrNotDraft
	}
	if err := m.stores.Loops.UpdateLoopConfig(ctx, id, updates); err != nil {
		return nil, err
	}
	return m.stores.Loops.GetLoop(ctx, id)
}

// AddReviewComment attaches feedback to an addressable (merged or pushed)
// loop, tagged with the current review cycle.
func (m *Manager) AddReviewComment(ctx context.Context, loopID, text string) (*models.ReviewComment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, store.NewValidationError("text", "required")
	}
	lp, err := m.loadLoop(ctx, loopID)
	if err != nil {
		return nil, err
	}
	rm := lp.State.ReviewMode
	if rm == nil || !rm.Addressable {
		return nil, store.NewValidationError("status", "loop is not in review mode")
	}

	comment := &models.ReviewComment{
		ID:          uuid.NewString(),
		LoopID:      loopID,
		ReviewCycle: rm.ReviewCycles,
		Text:        text,
	}
	if err := m.stores.ReviewComments.CreateComment(ctx, comment); err != nil {
		return nil, err
	}
	return comment, nil
}

// ListReviewComments returns a loop's review comments oldest first.
func (m *Manager) ListReviewComments(ctx context.Context, loopID string) ([]*models.ReviewComment, error) {
	if _, err := m.loadLoop(ctx, loopID); err != nil {
		return nil, err
	}
	return m.stores.ReviewComments.ListComments(ctx, loopID)
}

// AddressReviewComments bundles the pending comments into a prompt,
// jumpstarts the loop with it, bumps the review cycle, and marks the
// comments addressed.
func (m *Manager) AddressReviewComments(ctx context.Context, loopID string) error {
	pending, err := m.stores.ReviewComments.ListPendingComments(ctx, loopID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return store.NewValidationError("comments", "no pending review comments")
	}

	var b strings.Builder
	b.WriteString("Address the following review comments:\n")
	for _, comment := range pending {
		fmt.Fprintf(&b, "- %s\n", comment.Text)
	}

	// Cycle bookkeeping happens before the jumpstart so the engine picks up
	// the incremented cycle when it loads the loop.
	if _, err := m.stores.Loops.UpdateLoopState(ctx, loopID, func(state *models.LoopState) error {
		if state.ReviewMode != nil {
			state.ReviewMode.ReviewCycles++
		}
		return nil
	}); err != nil {
		return err
	}
	for _, comment := range pending {
		if err := m.stores.ReviewComments.MarkAddressed(ctx, comment.ID); err != nil {
			return err
		}
	}
	return m.InjectPending(ctx, loopID, b.String(), nil)
}
