package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphlabs/ralpher/pkg/models"
)

func TestCreateWorkspace_DuplicateDirectory(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/workspaces", CreateWorkspaceRequest{
		Name:      "second",
		Directory: f.repo,
		ServerSettings: &models.ServerSettings{
			Mode: models.ServerModeConnect, Hostname: "localhost",
		},
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var resp WorkspaceConflictResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "already_exists", resp.Error)
	require.NotNil(t, resp.ExistingWorkspace)
	assert.Equal(t, f.ws.ID, resp.ExistingWorkspace.ID)
}

func TestCreateWorkspace_Validation(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/workspaces", CreateWorkspaceRequest{Name: "no dir"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", errorBody(t, rec).Error)
}

func TestCreateWorkspace_ConnectModeNeedsHostname(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/workspaces", CreateWorkspaceRequest{
		Name:           "bad",
		Directory:      t.TempDir(),
		ServerSettings: &models.ServerSettings{Mode: models.ServerModeConnect},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", errorBody(t, rec).Error)
}

func TestWorkspaceCRUD(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/workspaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*models.Workspace
	decodeJSON(t, rec, &list)
	require.Len(t, list, 1)

	rec = f.do(t, http.MethodPut, "/api/workspaces/"+f.ws.ID, UpdateWorkspaceRequest{Name: "renamed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Workspace
	decodeJSON(t, rec, &updated)
	assert.Equal(t, "renamed", updated.Name)

	rec = f.do(t, http.MethodDelete, "/api/workspaces/"+f.ws.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/workspaces/"+f.ws.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateWorkspace_DirectoryImmutable(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPut, "/api/workspaces/"+f.ws.ID, UpdateWorkspaceRequest{
		Directory: t.TempDir(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", errorBody(t, rec).Error)

	rec = f.do(t, http.MethodGet, "/api/workspaces/"+f.ws.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ws models.Workspace
	decodeJSON(t, rec, &ws)
	assert.Equal(t, f.repo, ws.Directory)
}

func TestServerSettings_RoundTrip(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/workspaces/"+f.ws.ID+"/server-settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings models.ServerSettings
	decodeJSON(t, rec, &settings)
	assert.Equal(t, models.ServerModeConnect, settings.Mode)

	settings.Port = 5000
	rec = f.do(t, http.MethodPut, "/api/workspaces/"+f.ws.ID+"/server-settings", settings)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/workspaces/"+f.ws.ID+"/server-settings", nil)
	decodeJSON(t, rec, &settings)
	assert.Equal(t, 5000, settings.Port)
}

func TestWorkspaceStatus_Connected(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/workspaces/"+f.ws.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status WorkspaceStatusResponse
	decodeJSON(t, rec, &status)
	assert.True(t, status.Connected)
	assert.Equal(t, "mock", status.Backend)
	require.NotEmpty(t, status.Models)
	assert.Equal(t, "anthropic", status.Models[0].ProviderID)
}

func TestWorkspaceReset(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/workspaces/"+f.ws.ID+"/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/workspaces/missing/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoteOnly_RejectsSpawnMode(t *testing.T) {
	f := setup(t)
	f.server.remoteOnly = true

	rec := f.do(t, http.MethodPost, "/api/workspaces", CreateWorkspaceRequest{
		Name:           "spawny",
		Directory:      t.TempDir(),
		ServerSettings: &models.ServerSettings{Mode: models.ServerModeSpawn, Command: "opencode serve"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", errorBody(t, rec).Error)
}
