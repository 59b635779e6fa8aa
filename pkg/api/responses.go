package api

import (
	"github.com/ralphlabs/ralpher/pkg/models"
)

// HealthCheck is a single component check inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// WorkspaceConflictResponse is returned with 409 when a directory already
// owns a workspace.
type WorkspaceConflictResponse struct {
	Error             string            `json:"error"`
	ExistingWorkspace *models.Workspace `json:"existingWorkspace"`
}

// WorkspaceStatusResponse is the body of GET /api/workspaces/:id/status.
type WorkspaceStatusResponse struct {
	Connected bool               `json:"connected"`
	Backend   string             `json:"backend,omitempty"`
	ServerURL string             `json:"serverUrl,omitempty"`
	Models    []models.ModelInfo `json:"models,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// AgentsMDResponse is the body of the AGENTS.md endpoints.
type AgentsMDResponse struct {
	Exists  bool   `json:"exists"`
	Content string `json:"content"`
}
