package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ralphlabs/ralpher/pkg/models"
)

// SessionStore persists the at-most-one backend session per (backend, loop).
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// SetSessionMapping upserts a mapping. On replace the original created_at is
// preserved.
func (s *SessionStore) SetSessionMapping(ctx context.Context, m *models.SessionMapping) error {
	if m.Backend == "" {
		return NewValidationError("backend", "required")
	}
	if m.LoopID == "" {
		return NewValidationError("loop_id", "required")
	}
	if m.SessionID == "" {
		return NewValidationError("session_id", "required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backend_sessions (backend, loop_id, session_id, server_url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (backend, loop_id) DO UPDATE SET
			session_id = excluded.session_id,
			server_url = excluded.server_url`,
		m.Backend, m.LoopID, m.SessionID, m.ServerURL, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to set session mapping: %w", err)
	}
	return nil
}

// GetSessionMapping returns the mapping for a (backend, loop) pair.
func (s *SessionStore) GetSessionMapping(ctx context.Context, backend, loopID string) (*models.SessionMapping, error) {
	var m models.SessionMapping
	err := s.db.QueryRowContext(ctx, `
		SELECT backend, loop_id, session_id, server_url, created_at
		FROM backend_sessions WHERE backend = ? AND loop_id = ?`,
		backend, loopID).
		Scan(&m.Backend, &m.LoopID, &m.SessionID, &m.ServerURL, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session mapping: %w", err)
	}
	return &m, nil
}

// ListSessionMappings returns every mapping for a loop.
func (s *SessionStore) ListSessionMappings(ctx context.Context, loopID string) ([]*models.SessionMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backend, loop_id, session_id, server_url, created_at
		FROM backend_sessions WHERE loop_id = ? ORDER BY backend`, loopID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.SessionMapping
	for rows.Next() {
		var m models.SessionMapping
		if err := rows.Scan(&m.Backend, &m.LoopID, &m.SessionID, &m.ServerURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// SaveSessionMappings replaces a backend's whole mapping set in one
// transaction.
func (s *SessionStore) SaveSessionMappings(ctx context.Context, backend string, mappings []*models.SessionMapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM backend_sessions WHERE backend = ?", backend); err != nil {
		return fmt.Errorf("failed to clear session mappings: %w", err)
	}
	for _, m := range mappings {
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO backend_sessions (backend, loop_id, session_id, server_url, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			backend, m.LoopID, m.SessionID, m.ServerURL, created)
		if err != nil {
			return fmt.Errorf("failed to insert session mapping: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteSessionMappings removes all mappings of a loop.
func (s *SessionStore) DeleteSessionMappings(ctx context.Context, loopID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM backend_sessions WHERE loop_id = ?", loopID)
	if err != nil {
		return fmt.Errorf("failed to delete session mappings: %w", err)
	}
	return nil
}
