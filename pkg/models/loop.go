// Package models contains request/response models and business domain types.
package models

import "time"

// LoopMode distinguishes iterative loops from interactive chats.
type LoopMode string

const (
	// ModeLoop is a supervised iterative agent session.
	ModeLoop LoopMode = "loop"
	// ModeChat is a single-iteration loop with a resident engine for
	// multi-turn conversation.
	ModeChat LoopMode = "chat"
)

// IsValid checks if the loop mode is valid.
func (m LoopMode) IsValid() bool {
	return m == ModeLoop || m == ModeChat
}

// LoopStatus represents the lifecycle state of a loop.
type LoopStatus string

const (
	StatusDraft              LoopStatus = "draft"
	StatusIdle               LoopStatus = "idle"
	StatusPlanning           LoopStatus = "planning"
	StatusStarting           LoopStatus = "starting"
	StatusRunning            LoopStatus = "running"
	StatusWaiting            LoopStatus = "waiting"
	StatusCompleted          LoopStatus = "completed"
	StatusStopped            LoopStatus = "stopped"
	StatusFailed             LoopStatus = "failed"
	StatusMaxIterations      LoopStatus = "max_iterations"
	StatusResolvingConflicts LoopStatus = "resolving_conflicts"
	StatusMerged             LoopStatus = "merged"
	StatusPushed             LoopStatus = "pushed"
	StatusDeleted            LoopStatus = "deleted"
)

// IsValid checks if the status is a known loop status.
func (s LoopStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusIdle, StatusPlanning, StatusStarting, StatusRunning,
		StatusWaiting, StatusCompleted, StatusStopped, StatusFailed,
		StatusMaxIterations, StatusResolvingConflicts, StatusMerged,
		StatusPushed, StatusDeleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the loop has finished executing. Terminal
// loops keep their worktree until purged.
func (s LoopStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed, StatusMaxIterations,
		StatusMerged, StatusPushed, StatusDeleted:
		return true
	default:
		return false
	}
}

// IsStartable reports whether StartLoop may (re)start a loop in this status.
func (s LoopStatus) IsStartable() bool {
	switch s {
	case StatusIdle, StatusStopped, StatusFailed, StatusCompleted, StatusMaxIterations:
		return true
	default:
		return false
	}
}

// IsActive reports whether an engine is expected to be driving the loop.
func (s LoopStatus) IsActive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPlanning, StatusResolvingConflicts:
		return true
	default:
		return false
	}
}

// ModelRef identifies an agent model selection.
type ModelRef struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
	Variant    string `json:"variant,omitempty"`
}

// LoopConfig is the immutable-ish configuration of a loop. Drafts may edit
// anything; once a loop is running only the pending prompt/model change.
type LoopConfig struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	WorkspaceID string   `json:"workspace_id"`
	Directory   string   `json:"directory"`
	Mode        LoopMode `json:"mode"`

	Prompt                 string   `json:"prompt"`
	StopPattern            string   `json:"stop_pattern"`
	MaxIterations          int      `json:"max_iterations"`
	MaxConsecutiveErrors   int      `json:"max_consecutive_errors"`
	ActivityTimeoutSeconds int      `json:"activity_timeout_seconds"`
	Model                  ModelRef `json:"model"`

	BranchPrefix string `json:"branch_prefix"`
	CommitScope  string `json:"commit_scope"`
	BaseBranch   string `json:"base_branch,omitempty"`

	PlanMode            bool `json:"plan_mode"`
	ClearPlanningFolder bool `json:"clear_planning_folder"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IterationOutcome classifies how a single iteration ended.
type IterationOutcome string

const (
	OutcomeComplete IterationOutcome = "complete"
	OutcomeContinue IterationOutcome = "continue"
	OutcomeError    IterationOutcome = "error"
)

// IterationRecord is one entry of the bounded recent-iterations ring.
type IterationRecord struct {
	Iteration int              `json:"iteration"`
	Outcome   IterationOutcome `json:"outcome"`
	Summary   string           `json:"summary,omitempty"`
}

// LoopError captures a failure tied to a specific iteration.
type LoopError struct {
	Message   string    `json:"message"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionRef points at the loop's current agent session.
type SessionRef struct {
	ID        string `json:"id"`
	ServerURL string `json:"server_url,omitempty"`
}

// GitState records the loop's isolated git footprint. OriginalBranch is the
// branch the main checkout was on when the worktree was created.
type GitState struct {
	OriginalBranch string   `json:"original_branch"`
	WorkingBranch  string   `json:"working_branch"`
	WorktreePath   string   `json:"worktree_path"`
	Commits        []string `json:"commits,omitempty"`
}

// PlanModeState tracks the upstream planning phase of a loop.
type PlanModeState struct {
	Active                bool   `json:"active"`
	PlanSessionID         string `json:"plan_session_id,omitempty"`
	FeedbackRounds        int    `json:"feedback_rounds"`
	PlanningFolderCleared bool   `json:"planning_folder_cleared"`
	IsPlanReady           bool   `json:"is_plan_ready"`
}

// CompletionAction is how a reviewed loop was concluded.
type CompletionAction string

const (
	CompletionMerge CompletionAction = "merge"
	CompletionPush  CompletionAction = "push"
)

// ReviewModeState is the post-accept/post-push phase during which a loop
// remains addressable.
type ReviewModeState struct {
	Addressable      bool             `json:"addressable"`
	CompletionAction CompletionAction `json:"completion_action"`
	ReviewCycles     int              `json:"review_cycles"`
}

// SyncPhase identifies which merge target a conflict-resolution sub-loop is
// working against.
type SyncPhase string

const (
	SyncPhaseBaseBranch    SyncPhase = "base_branch"
	SyncPhaseWorkingBranch SyncPhase = "working_branch"
)

// SyncState is set for the duration of a conflict-resolution sub-loop and
// cleared on completion or failure.
type SyncState struct {
	SyncPhase           SyncPhase `json:"sync_phase"`
	AutoPushOnComplete  bool      `json:"auto_push_on_complete"`
	ResolutionSessionID string    `json:"resolution_session_id,omitempty"`
}

// TodoItem is an agent-reported work item surfaced in the loop state.
type TodoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// ToolCallRecord is an agent tool invocation observed on the event stream.
type ToolCallRecord struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is one turn of a chat-mode conversation.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// LoopState is the mutable state of a loop, persisted as a JSON blob with the
// status column denormalised for querying.
type LoopState struct {
	Status           LoopStatus `json:"status"`
	CurrentIteration int        `json:"current_iteration"`

	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`

	Session           *SessionRef       `json:"session,omitempty"`
	Error             *LoopError        `json:"error,omitempty"`
	ConsecutiveErrors []LoopError       `json:"consecutive_errors,omitempty"`
	Git               *GitState         `json:"git,omitempty"`
	RecentIterations  []IterationRecord `json:"recent_iterations,omitempty"`

	PlanMode   *PlanModeState   `json:"plan_mode,omitempty"`
	ReviewMode *ReviewModeState `json:"review_mode,omitempty"`
	SyncState  *SyncState       `json:"sync_state,omitempty"`

	PendingPrompt string    `json:"pending_prompt,omitempty"`
	PendingModel  *ModelRef `json:"pending_model,omitempty"`

	Todos     []TodoItem       `json:"todos,omitempty"`
	Logs      []string         `json:"logs,omitempty"`
	Messages  []ChatMessage    `json:"messages,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// Loop pairs a config with its mutable state.
type Loop struct {
	Config LoopConfig `json:"config"`
	State  LoopState  `json:"state"`
}
