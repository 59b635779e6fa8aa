package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ralphlabs/ralpher/pkg/models"
)

// ReviewCommentStore persists review feedback on merged/pushed loops.
type ReviewCommentStore struct {
	db *sql.DB
}

// NewReviewCommentStore creates a ReviewCommentStore.
func NewReviewCommentStore(db *sql.DB) *ReviewCommentStore {
	return &ReviewCommentStore{db: db}
}

// CreateComment inserts a pending comment.
func (s *ReviewCommentStore) CreateComment(ctx context.Context, c *models.ReviewComment) error {
	if c.ID == "" {
		return NewValidationError("id", "required")
	}
	if c.LoopID == "" {
		return NewValidationError("loop_id", "required")
	}
	if c.Text == "" {
		return NewValidationError("text", "required")
	}
	if c.Status == "" {
		c.Status = models.ReviewCommentPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_comments (id, loop_id, review_cycle, text, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.LoopID, c.ReviewCycle, c.Text, string(c.Status), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create review comment: %w", err)
	}
	return nil
}

// ListComments returns every comment on a loop, oldest first.
func (s *ReviewCommentStore) ListComments(ctx context.Context, loopID string) ([]*models.ReviewComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loop_id, review_cycle, text, status, created_at, addressed_at
		FROM review_comments WHERE loop_id = ? ORDER BY created_at ASC`, loopID)
	if err != nil {
		return nil, fmt.Errorf("failed to list review comments: %w", err)
	}
	defer rows.Close()

	var comments []*models.ReviewComment
	for rows.Next() {
		var (
			c      models.ReviewComment
			status string
		)
		if err := rows.Scan(&c.ID, &c.LoopID, &c.ReviewCycle, &c.Text, &status, &c.CreatedAt, &c.AddressedAt); err != nil {
			return nil, err
		}
		c.Status = models.ReviewCommentStatus(status)
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// ListPendingComments returns the unaddressed comments on a loop.
func (s *ReviewCommentStore) ListPendingComments(ctx context.Context, loopID string) ([]*models.ReviewComment, error) {
	comments, err := s.ListComments(ctx, loopID)
	if err != nil {
		return nil, err
	}
	pending := comments[:0]
	for _, c := range comments {
		if c.Status == models.ReviewCommentPending {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

// MarkAddressed flips a comment to addressed with a timestamp.
func (s *ReviewCommentStore) MarkAddressed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE review_comments SET status = ?, addressed_at = ? WHERE id = ?`,
		string(models.ReviewCommentAddressed), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark review comment addressed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetComment returns one comment by ID.
func (s *ReviewCommentStore) GetComment(ctx context.Context, id string) (*models.ReviewComment, error) {
	var (
		c      models.ReviewComment
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, loop_id, review_cycle, text, status, created_at, addressed_at
		FROM review_comments WHERE id = ?`, id).
		Scan(&c.ID, &c.LoopID, &c.ReviewCycle, &c.Text, &status, &c.CreatedAt, &c.AddressedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review comment: %w", err)
	}
	c.Status = models.ReviewCommentStatus(status)
	return &c, nil
}
