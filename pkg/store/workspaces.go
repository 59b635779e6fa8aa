package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ralphlabs/ralpher/pkg/models"
)

// WorkspaceStore persists workspaces. A workspace's directory is unique; a
// second create against the same directory reports the existing workspace.
type WorkspaceStore struct {
	db *sql.DB
}

// NewWorkspaceStore creates a WorkspaceStore.
func NewWorkspaceStore(db *sql.DB) *WorkspaceStore {
	return &WorkspaceStore{db: db}
}

// CreateWorkspace inserts a new workspace. A duplicate directory returns
// ErrAlreadyExists together with the existing workspace.
func (s *WorkspaceStore) CreateWorkspace(ctx context.Context, ws *models.Workspace) (*models.Workspace, error) {
	if ws.ID == "" {
		return nil, NewValidationError("id", "required")
	}
	if ws.Directory == "" {
		return nil, NewValidationError("directory", "required")
	}
	if ws.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	settingsJSON, err := json.Marshal(ws.ServerSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server settings: %w", err)
	}

	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, directory, server_settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.Directory, string(settingsJSON), ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetWorkspaceByDirectory(ctx, ws.Directory)
			if getErr != nil {
				return nil, ErrAlreadyExists
			}
			return existing, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return ws, nil
}

// GetWorkspace returns a workspace by ID.
func (s *WorkspaceStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, directory, server_settings, created_at, updated_at
		FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ws, err
}

// GetWorkspaceByDirectory returns the workspace owning a directory.
func (s *WorkspaceStore) GetWorkspaceByDirectory(ctx context.Context, directory string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, directory, server_settings, created_at, updated_at
		FROM workspaces WHERE directory = ?`, directory)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ws, err
}

// ListWorkspaces returns every workspace, newest first.
func (s *WorkspaceStore) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, directory, server_settings, created_at, updated_at
		FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*models.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// UpdateWorkspace rewrites name and server settings.
func (s *WorkspaceStore) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	settingsJSON, err := json.Marshal(ws.ServerSettings)
	if err != nil {
		return fmt.Errorf("failed to marshal server settings: %w", err)
	}
	ws.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET name = ?, server_settings = ?, updated_at = ?
		WHERE id = ?`,
		ws.Name, string(settingsJSON), ws.UpdatedAt, ws.ID)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
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

// DeleteWorkspace removes a workspace and, via cascade, all its loops.
func (s *WorkspaceStore) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
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

func scanWorkspace(row rowScanner) (*models.Workspace, error) {
	var (
		ws           models.Workspace
		settingsJSON string
	)
	err := row.Scan(&ws.ID, &ws.Name, &ws.Directory, &settingsJSON, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settingsJSON), &ws.ServerSettings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server settings: %w", err)
	}
	return &ws, nil
}

// isUniqueViolation detects SQLite unique constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
