package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PreferenceStore persists server-level key/value preferences.
type PreferenceStore struct {
	db *sql.DB
}

// NewPreferenceStore creates a PreferenceStore.
func NewPreferenceStore(db *sql.DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

// Get returns the value for key and whether it was set.
func (s *PreferenceStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get preference: %w", err)
	}
	return value, true, nil
}

// Set upserts a preference.
func (s *PreferenceStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set preference: %w", err)
	}
	return nil
}

// Delete removes a preference; missing keys are not an error.
func (s *PreferenceStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM preferences WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete preference: %w", err)
	}
	return nil
}
