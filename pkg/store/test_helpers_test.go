package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/database"
	"github.com/ralphlabs/ralpher/pkg/models"
)

// setupStores opens a fresh migrated database in a temp dir.
func setupStores(t *testing.T) *Stores {
	t.Helper()
	client, err := database.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(client.DB())
}

// createTestWorkspace inserts a workspace fixture.
func createTestWorkspace(t *testing.T, stores *Stores) *models.Workspace {
	t.Helper()
	ws := &models.Workspace{
		ID:        uuid.New().String(),
		Name:      "test workspace",
		Directory: t.TempDir(),
		ServerSettings: models.ServerSettings{
			Mode:     models.ServerModeConnect,
			Hostname: "localhost",
			Port:     4096,
		},
	}
	_, err := stores.Workspaces.CreateWorkspace(context.Background(), ws)
	require.NoError(t, err)
	return ws
}

// createTestLoop inserts an idle loop fixture in the workspace.
func createTestLoop(t *testing.T, stores *Stores, workspaceID string) *models.Loop {
	t.Helper()
	loop := &models.Loop{
		Config: models.LoopConfig{
			ID:                     uuid.New().String(),
			Name:                   "test loop",
			WorkspaceID:            workspaceID,
			Directory:              "/repo",
			Mode:                   models.ModeLoop,
			Prompt:                 "do the thing",
			StopPattern:            "COMPLETE",
			MaxIterations:          50,
			MaxConsecutiveErrors:   3,
			ActivityTimeoutSeconds: 300,
			Model:                  models.ModelRef{ProviderID: "anthropic", ModelID: "claude"},
			BranchPrefix:           "ralph/",
			CommitScope:            "ralph",
		},
		State: models.LoopState{Status: models.StatusIdle},
	}
	require.NoError(t, stores.Loops.SaveLoop(context.Background(), loop))
	return loop
}
