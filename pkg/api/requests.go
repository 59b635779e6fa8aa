package api

import (
	"github.com/ralphlabs/ralpher/pkg/models"
)

// Request bodies use the camelCase keys the UI sends; internal models stay
// snake_case.

// CreateLoopRequest is the body of POST /api/loops.
type CreateLoopRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Prompt      string `json:"prompt"`
	Name        string `json:"name,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Draft       bool   `json:"draft,omitempty"`

	PlanMode            bool `json:"planMode,omitempty"`
	ClearPlanningFolder bool `json:"clearPlanningFolder,omitempty"`

	StopPattern            string           `json:"stopPattern,omitempty"`
	MaxIterations          int              `json:"maxIterations,omitempty"`
	MaxConsecutiveErrors   int              `json:"maxConsecutiveErrors,omitempty"`
	ActivityTimeoutSeconds int              `json:"activityTimeoutSeconds,omitempty"`
	Model                  *models.ModelRef `json:"model,omitempty"`
	BranchPrefix           string           `json:"branchPrefix,omitempty"`
	CommitScope            string           `json:"commitScope,omitempty"`
	BaseBranch             string           `json:"baseBranch,omitempty"`

	GenerateName bool `json:"generateName,omitempty"`
}

// UpdateLoopRequest is the body of PUT /api/loops/:id. Draft loops accept
// arbitrary config updates; everything else is restricted to the pending
// prompt and model.
type UpdateLoopRequest struct {
	Updates       map[string]any   `json:"updates,omitempty"`
	PendingPrompt string           `json:"pendingPrompt,omitempty"`
	PendingModel  *models.ModelRef `json:"pendingModel,omitempty"`
}

// StartLoopRequest is the body of POST /api/loops/:id/start.
type StartLoopRequest struct {
	HandleUncommitted string `json:"handleUncommitted,omitempty"`
}

// StartDraftRequest is the body of POST /api/loops/:id/draft/start.
type StartDraftRequest struct {
	PlanMode bool `json:"planMode,omitempty"`
}

// PlanFeedbackRequest is the body of POST /api/loops/:id/plan/feedback.
type PlanFeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// PendingRequest is the body of POST /api/loops/:id/pending.
type PendingRequest struct {
	Message string           `json:"message,omitempty"`
	Model   *models.ModelRef `json:"model,omitempty"`
}

// ChatMessageRequest is the body of POST /api/loops/:id/chat/message.
type ChatMessageRequest struct {
	Message string `json:"message"`
}

// AddReviewCommentRequest is the body of POST /api/loops/:id/review-comments.
type AddReviewCommentRequest struct {
	Text string `json:"text"`
}

// CreateWorkspaceRequest is the body of POST /api/workspaces.
type CreateWorkspaceRequest struct {
	Name           string                 `json:"name"`
	Directory      string                 `json:"directory"`
	ServerSettings *models.ServerSettings `json:"serverSettings,omitempty"`
}

// UpdateWorkspaceRequest is the body of PUT /api/workspaces/:id.
type UpdateWorkspaceRequest struct {
	Name           string                 `json:"name,omitempty"`
	Directory      string                 `json:"directory,omitempty"`
	ServerSettings *models.ServerSettings `json:"serverSettings,omitempty"`
}

// AgentsMDRequest is the body of the AGENTS.md preview and optimize calls.
// Content is the guidance block to merge into the file.
type AgentsMDRequest struct {
	Content string `json:"content"`
}
