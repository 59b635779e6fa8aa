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

// LoopStore persists loop configs and their mutable state. The state blob is
// stored as JSON with the status column denormalised for querying.
type LoopStore struct {
	db *sql.DB
}

// NewLoopStore creates a LoopStore.
func NewLoopStore(db *sql.DB) *LoopStore {
	return &LoopStore{db: db}
}

// loopConfigColumns is the static allow-list for partial config updates.
// Anything outside it is rejected with ErrInvalidColumn, never interpolated.
var loopConfigColumns = map[string]bool{
	"name":                     true,
	"prompt":                   true,
	"stop_pattern":             true,
	"max_iterations":           true,
	"max_consecutive_errors":   true,
	"activity_timeout_seconds": true,
	"model":                    true,
	"branch_prefix":            true,
	"commit_scope":             true,
	"base_branch":              true,
	"plan_mode":                true,
	"clear_planning_folder":    true,
}

// SaveLoop upserts the full loop row: every config column, the denormalised
// status, and the state blob.
func (s *LoopStore) SaveLoop(ctx context.Context, loop *models.Loop) error {
	if loop.Config.ID == "" {
		return NewValidationError("id", "required")
	}
	if loop.Config.WorkspaceID == "" {
		return NewValidationError("workspace_id", "required")
	}
	if !loop.Config.Mode.IsValid() {
		return NewValidationError("mode", "unknown mode")
	}
	if !loop.State.Status.IsValid() {
		return NewValidationError("status", "unknown status")
	}

	modelJSON, err := json.Marshal(loop.Config.Model)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	stateJSON, err := json.Marshal(loop.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	now := time.Now().UTC()
	if loop.Config.CreatedAt.IsZero() {
		loop.Config.CreatedAt = now
	}
	loop.Config.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO loops (
			id, workspace_id, name, directory, mode, prompt, stop_pattern,
			max_iterations, max_consecutive_errors, activity_timeout_seconds,
			model, branch_prefix, commit_scope, base_branch, plan_mode,
			clear_planning_folder, status, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			directory = excluded.directory,
			mode = excluded.mode,
			prompt = excluded.prompt,
			stop_pattern = excluded.stop_pattern,
			max_iterations = excluded.max_iterations,
			max_consecutive_errors = excluded.max_consecutive_errors,
			activity_timeout_seconds = excluded.activity_timeout_seconds,
			model = excluded.model,
			branch_prefix = excluded.branch_prefix,
			commit_scope = excluded.commit_scope,
			base_branch = excluded.base_branch,
			plan_mode = excluded.plan_mode,
			clear_planning_folder = excluded.clear_planning_folder,
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		loop.Config.ID, loop.Config.WorkspaceID, loop.Config.Name,
		loop.Config.Directory, string(loop.Config.Mode), loop.Config.Prompt,
		loop.Config.StopPattern, loop.Config.MaxIterations,
		loop.Config.MaxConsecutiveErrors, loop.Config.ActivityTimeoutSeconds,
		string(modelJSON), loop.Config.BranchPrefix, loop.Config.CommitScope,
		loop.Config.BaseBranch, loop.Config.PlanMode,
		loop.Config.ClearPlanningFolder, string(loop.State.Status),
		string(stateJSON), loop.Config.CreatedAt, loop.Config.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save loop: %w", err)
	}
	return nil
}

// UpdateLoopConfig applies a partial config update. Column names are checked
// against the static allow-list before any SQL is assembled.
func (s *LoopStore) UpdateLoopConfig(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	for column := range updates {
		if !loopConfigColumns[column] {
			return fmt.Errorf("%w: %s", ErrInvalidColumn, column)
		}
	}

	setClauses := make([]string, 0, len(updates)+1)
	args := make([]any, 0, len(updates)+2)
	for column, value := range updates {
		if column == "model" {
			modelJSON, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to marshal model: %w", err)
			}
			value = string(modelJSON)
		}
		setClauses = append(setClauses, column+" = ?")
		args = append(args, value)
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	result, err := s.db.ExecContext(ctx,
		"UPDATE loops SET "+strings.Join(setClauses, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update loop config: %w", err)
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

// UpdateLoopState reads the current state inside a transaction, applies fn,
// and writes the result back together with the denormalised status. fn
// returning an error aborts the update without writing.
func (s *LoopStore) UpdateLoopState(ctx context.Context, id string, fn func(*models.LoopState) error) (*models.LoopState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var stateJSON string
	err = tx.QueryRowContext(ctx, "SELECT state FROM loops WHERE id = ?", id).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read loop state: %w", err)
	}

	var state models.LoopState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop state: %w", err)
	}

	if err := fn(&state); err != nil {
		return nil, err
	}
	if !state.Status.IsValid() {
		return nil, NewValidationError("status", "unknown status")
	}

	updated, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal loop state: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE loops SET state = ?, status = ?, updated_at = ? WHERE id = ?",
		string(updated), string(state.Status), time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to write loop state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit loop state: %w", err)
	}
	return &state, nil
}

const loopColumns = `id, workspace_id, name, directory, mode, prompt,
	stop_pattern, max_iterations, max_consecutive_errors,
	activity_timeout_seconds, model, branch_prefix, commit_scope, base_branch,
	plan_mode, clear_planning_folder, state, created_at, updated_at`

// GetLoop returns a loop by ID.
func (s *LoopStore) GetLoop(ctx context.Context, id string) (*models.Loop, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+loopColumns+" FROM loops WHERE id = ?", id)
	loop, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return loop, err
}

// ListLoops returns every loop, newest first. workspaceID narrows to one
// workspace when non-empty.
func (s *LoopStore) ListLoops(ctx context.Context, workspaceID string) ([]*models.Loop, error) {
	query := "SELECT " + loopColumns + " FROM loops"
	var args []any
	if workspaceID != "" {
		query += " WHERE workspace_id = ?"
		args = append(args, workspaceID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loops: %w", err)
	}
	defer rows.Close()

	var loops []*models.Loop
	for rows.Next() {
		loop, err := scanLoop(rows)
		if err != nil {
			return nil, err
		}
		loops = append(loops, loop)
	}
	return loops, rows.Err()
}

// DeleteLoop removes the loop row; session mappings and review comments go
// with it via foreign key cascade.
func (s *LoopStore) DeleteLoop(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM loops WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete loop: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoop(row rowScanner) (*models.Loop, error) {
	var (
		loop      models.Loop
		mode      string
		modelJSON string
		stateJSON string
	)
	err := row.Scan(
		&loop.Config.ID, &loop.Config.WorkspaceID, &loop.Config.Name,
		&loop.Config.Directory, &mode, &loop.Config.Prompt,
		&loop.Config.StopPattern, &loop.Config.MaxIterations,
		&loop.Config.MaxConsecutiveErrors, &loop.Config.ActivityTimeoutSeconds,
		&modelJSON, &loop.Config.BranchPrefix, &loop.Config.CommitScope,
		&loop.Config.BaseBranch, &loop.Config.PlanMode,
		&loop.Config.ClearPlanningFolder, &stateJSON,
		&loop.Config.CreatedAt, &loop.Config.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	loop.Config.Mode = models.LoopMode(mode)
	if err := json.Unmarshal([]byte(modelJSON), &loop.Config.Model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &loop.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal loop state: %w", err)
	}
	return &loop, nil
}
