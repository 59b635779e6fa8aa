// Package manager is the central entry point for loop lifecycle operations.
// It owns the engine map, the per-loop mutexes, and the state-persistence
// ticker; everything above it (the API layer) talks to loops through it.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ralphlabs/ralpher/pkg/backend"
	"github.com/ralphlabs/ralpher/pkg/config"
	"github.com/ralphlabs/ralpher/pkg/events"
	"github.com/ralphlabs/ralpher/pkg/git"
	"github.com/ralphlabs/ralpher/pkg/loop"
	"github.com/ralphlabs/ralpher/pkg/models"
	"github.com/ralphlabs/ralpher/pkg/shell"
	"github.com/ralphlabs/ralpher/pkg/store"
)

// DefaultPersistInterval is the state-persistence ticker period.
const DefaultPersistInterval = 250 * time.Millisecond

// maxDerivedNameLength bounds names derived from the prompt.
const maxDerivedNameLength = 50

// Manager owns every loop engine and serialises mutating operations per
// loop.
type Manager struct {
	stores   *store.Stores
	bus      *events.Bus
	git      *git.Service
	exec     shell.Executor
	backends *backend.Manager

	persistInterval time.Duration

	mu      sync.Mutex
	engines map[string]*loop.Engine
	locks   map[string]*sync.Mutex

	stopTicker chan struct{}
	tickerDone chan struct{}
}

// New creates a manager and starts its persistence ticker.
func New(stores *store.Stores, bus *events.Bus, gitSvc *git.Service, exec shell.Executor, backends *backend.Manager, persistInterval time.Duration) *Manager {
	if persistInterval <= 0 {
		persistInterval = DefaultPersistInterval
	}
	m := &Manager{
		stores:          stores,
		bus:             bus,
		git:             gitSvc,
		exec:            exec,
		backends:        backends,
		persistInterval: persistInterval,
		engines:         make(map[string]*loop.Engine),
		locks:           make(map[string]*sync.Mutex),
		stopTicker:      make(chan struct{}),
		tickerDone:      make(chan struct{}),
	}
	go m.runTicker()
	return m
}

// lockLoop takes the loop's mutex without blocking. The returned unlock must
// be called when the operation finishes.
func (m *Manager) lockLoop(id string) (func(), error) {
	m.mu.Lock()
	mutex, ok := m.locks[id]
	if !ok {
		mutex = &sync.Mutex{}
		m.locks[id] = mutex
	}
	m.mu.Unlock()

	if !mutex.TryLock() {
		return nil, ErrAlreadyInProgress
	}
	return mutex.Unlock, nil
}

// engine returns the resident engine for a loop, or nil.
func (m *Manager) engine(id string) *loop.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[id]
}

func (m *Manager) dropEngine(id string) {
	m.mu.Lock()
	delete(m.engines, id)
	m.mu.Unlock()
}

// loadLoop reads a loop, preferring the resident engine's live state over
// the persisted row.
func (m *Manager) loadLoop(ctx context.Context, id string) (*models.Loop, error) {
	if eng := m.engine(id); eng != nil {
		return eng.Snapshot(), nil
	}
	return m.stores.Loops.GetLoop(ctx, id)
}

// GetLoop returns the loop's current state. Does not take the loop mutex.
func (m *Manager) GetLoop(ctx context.Context, id string) (*models.Loop, error) {
	return m.loadLoop(ctx, id)
}

// ListLoops lists loops, overlaying live engine state onto persisted rows.
// Does not take the loop mutex.
func (m *Manager) ListLoops(ctx context.Context, workspaceID string) ([]*models.Loop, error) {
	loops, err := m.stores.Loops.ListLoops(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	for i, lp := range loops {
		if eng := m.engine(lp.Config.ID); eng != nil {
			loops[i] = eng.Snapshot()
		}
	}
	return loops, nil
}

// CreateLoopOptions carries the caller-supplied loop configuration. Zero
// values fall back to the server defaults.
type CreateLoopOptions struct {
	WorkspaceID string
	Prompt      string
	Name        string
	Mode        models.LoopMode
	Draft       bool

	PlanMode            bool
	ClearPlanningFolder bool

	StopPattern            string
	MaxIterations          int
	MaxConsecutiveErrors   int
	ActivityTimeoutSeconds int
	Model                  *models.ModelRef
	BranchPrefix           string
	CommitScope            string
	BaseBranch             string

	// GenerateName asks the agent backend for a short title instead of
	// deriving one from the prompt. Best effort; failures fall back to
	// derivation.
	GenerateName bool
}

// CreateLoop validates, persists, and announces a new loop. Chat loops start
// their first turn in the background; everything else waits for an explicit
// start.
func (m *Manager) CreateLoop(ctx context.Context, opts CreateLoopOptions) (*models.Loop, error) {
	if opts.WorkspaceID == "" {
		return nil, store.NewValidationError("workspace_id", "required")
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, store.NewValidationError("prompt", "required")
	}

	ws, err := m.stores.Workspaces.GetWorkspace(ctx, opts.WorkspaceID)
	if err != nil {
		return nil, err
	}

	// Model validation runs before anything is persisted.
	if opts.Model != nil {
		if err := m.backends.ValidateModel(ctx, ws, *opts.Model); err != nil {
			return nil, err
		}
	}

	lp := m.buildLoop(ctx, ws, opts)

	// The exclude entry is re-validated on every loop creation so a wiped
	// .git/info/exclude heals itself.
	if err := m.git.EnsureExcludeEntry(ctx, ws.Directory); err != nil {
		slog.Warn("Failed to ensure exclude entry", "workspace_id", ws.ID, "error", err)
	}

	if err := m.stores.Loops.SaveLoop(ctx, lp); err != nil {
		return nil, err
	}
	m.bus.Emit(events.Event{Type: events.EventLoopCreated, LoopID: lp.Config.ID})
	slog.Info("Created loop",
		"loop_id", lp.Config.ID, "workspace_id", ws.ID, "mode", string(lp.Config.Mode),
		"status", string(lp.State.Status))

	if lp.Config.Mode == models.ModeChat && !opts.Draft {
		go func() {
			if err := m.StartLoop(context.Background(), lp.Config.ID, StartOptions{}); err != nil {
				slog.Error("Chat first turn failed to start", "loop_id", lp.Config.ID, "error", err)
			}
		}()
	}
	return lp, nil
}

// CreateChat creates a chat-mode loop whose first turn starts immediately.
func (m *Manager) CreateChat(ctx context.Context, opts CreateLoopOptions) (*models.Loop, error) {
	opts.Mode = models.ModeChat
	opts.PlanMode = false
	return m.CreateLoop(ctx, opts)
}

func (m *Manager) buildLoop(ctx context.Context, ws *models.Workspace, opts CreateLoopOptions) *models.Loop {
	mode := opts.Mode
	if mode == "" {
		mode = models.ModeLoop
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = m.loopName(ctx, ws, opts)
	}

	cfg := models.LoopConfig{
		ID:          uuid.NewString(),
		Name:        name,
		WorkspaceID: ws.ID,
		Directory:   ws.Directory,
		Mode:        mode,

		Prompt:                 opts.Prompt,
		StopPattern:            orDefault(opts.StopPattern, config.DefaultStopPattern),
		MaxIterations:          orDefaultInt(opts.MaxIterations, config.DefaultMaxIterations),
		MaxConsecutiveErrors:   orDefaultInt(opts.MaxConsecutiveErrors, config.DefaultMaxConsecutiveErrors),
		ActivityTimeoutSeconds: orDefaultInt(opts.ActivityTimeoutSeconds, config.DefaultActivityTimeoutSeconds),

		BranchPrefix: orDefault(opts.BranchPrefix, config.DefaultBranchPrefix),
		CommitScope:  orDefault(opts.CommitScope, config.DefaultCommitScope),
		BaseBranch:   opts.BaseBranch,

		PlanMode:            opts.PlanMode,
		ClearPlanningFolder: opts.ClearPlanningFolder,
	}
	if opts.Model != nil {
		cfg.Model = *opts.Model
	}
	if mode == models.ModeChat {
		cfg.MaxIterations = 1
		cfg.PlanMode = false
	}

	status := models.StatusIdle
	if opts.Draft {
		status = models.StatusDraft
	}
	return &models.Loop{Config: cfg, State: models.LoopState{Status: status}}
}

// loopName asks the backend for a title when requested, falling back to the
// first words of the prompt.
func (m *Manager) loopName(ctx context.Context, ws *models.Workspace, opts CreateLoopOptions) string {
	if opts.GenerateName {
		if name, err := m.generateName(ctx, ws, opts.Prompt); err == nil && name != "" {
			return name
		} else if err != nil {
			slog.Warn("Name generation failed, deriving from prompt",
				"workspace_id", ws.ID, "error", err)
		}
	}
	return DeriveName(opts.Prompt)
}

func (m *Manager) generateName(ctx context.Context, ws *models.Workspace, prompt string) (string, error) {
	be, err := m.backends.ForWorkspace(ctx, ws)
	if err != nil {
		return "", err
	}
	session, err := be.CreateSession(ctx, "name generation", ws.Directory)
	if err != nil {
		return "", err
	}
	reply, err := be.SendPrompt(ctx, session.ID,
		"Reply with a short title (at most 50 characters, no quotes) for this task:\n\n"+prompt,
		models.ModelRef{})
	if err != nil {
		return "", err
	}
	return DeriveName(reply), nil
}

// DeriveName produces a loop name from a prompt: the first line, truncated
// to 50 characters on a word boundary where possible.
func DeriveName(prompt string) string {
	name := strings.TrimSpace(prompt)
	if idx := strings.IndexByte(name, '\n'); idx >= 0 {
		name = strings.TrimSpace(name[:idx])
	}
	if len(name) <= maxDerivedNameLength {
		return name
	}
	cut := name[:maxDerivedNameLength]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func orDefaultInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// StartOptions carries start-time policy knobs.
type StartOptions struct {
	// HandleUncommitted, when set to "throw", rejects a start while the main
	// checkout is dirty. Worktree isolation makes this unnecessary in normal
	// operation; it exists for callers that opt into strictness.
	HandleUncommitted string
}

// StartLoop creates an engine for a startable loop and kicks off its run.
func (m *Manager) StartLoop(ctx context.Context, id string, opts StartOptions) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	lp, err := m.loadLoop(ctx, id)
	if err != nil {
		return err
	}
	if !lp.State.Status.IsStartable() {
		return fmt.Errorf("%w: status %s", ErrNotStartable, lp.State.Status)
	}

	if opts.HandleUncommitted == "throw" {
		dirty, err := m.git.HasUncommittedChanges(ctx, lp.Config.Directory)
		if err != nil {
			return err
		}
		if dirty {
			return ErrUncommittedChanges
		}
	}

	return m.startEngine(ctx, lp)
}

// StartDraft promotes a draft and starts it. The planMode flag is applied to
// the config at promotion time.
func (m *Manager) StartDraft(ctx context.Context, id string, planMode bool) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	lp, err := m.loadLoop(ctx, id)
	if err != nil {
		return err
	}
	if lp.State.Status != models.StatusDraft {
		return ErrNotDraft
	}

	lp.Config.PlanMode = planMode
	lp.State.Status = models.StatusIdle
	if err := m.stores.Loops.SaveLoop(ctx, lp); err != nil {
		return err
	}
	return m.startEngine(ctx, lp)
}

// startEngine builds (or reuses) the engine for lp and starts its run. The
// caller holds the loop mutex.
func (m *Manager) startEngine(ctx context.Context, lp *models.Loop) error {
	if lp.Config.Model != (models.ModelRef{}) {
		ws, err := m.stores.Workspaces.GetWorkspace(ctx, lp.Config.WorkspaceID)
		if err != nil {
			return err
		}
		if err := m.backends.ValidateModel(ctx, ws, lp.Config.Model); err != nil {
			return err
		}
	}

	// A plan-mode loop whose plan was never accepted (re)enters planning.
	if lp.Config.PlanMode && (lp.State.PlanMode == nil || lp.State.PlanMode.Active) {
		lp.State.Status = models.StatusPlanning
	}

	eng, err := m.engineFor(ctx, lp)
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrAlreadyInProgress, err)
	}
	m.watch(eng)
	return nil
}

// engineFor returns the resident engine or lazily rebuilds one from the
// loop's persisted state. This is the recovery path: a restarted server
// reconstructs engines on first use, reattaching to the stored session.
func (m *Manager) engineFor(ctx context.Context, lp *models.Loop) (*loop.Engine, error) {
	if eng := m.engine(lp.Config.ID); eng != nil {
		return eng, nil
	}

	ws, err := m.stores.Workspaces.GetWorkspace(ctx, lp.Config.WorkspaceID)
	if err != nil {
		return nil, err
	}
	be, err := m.backends.ForWorkspace(ctx, ws)
	if err != nil {
		return nil, err
	}

	eng := loop.New(lp, loop.Deps{
		Backend: be,
		Git:     m.git,
		Bus:     m.bus,
		Exec:    m.exec,
		Persist: func(ctx context.Context, l *models.Loop) error {
			return m.stores.Loops.SaveLoop(ctx, l)
		},
		SaveSession: func(ctx context.Context, mapping *models.SessionMapping) error {
			return m.stores.Sessions.SetSessionMapping(ctx, mapping)
		},
	})

	m.mu.Lock()
	m.engines[lp.Config.ID] = eng
	m.mu.Unlock()
	return eng, nil
}

// watch drops the engine once its run ends in a terminal status. Chat
// engines and non-terminal engines (planning, review) stay resident.
func (m *Manager) watch(eng *loop.Engine) {
	done := eng.Done()
	if done == nil {
		return
	}
	go func() {
		<-done
		snapshot := eng.Snapshot()
		if snapshot.Config.Mode == models.ModeChat {
			return
		}
		if snapshot.State.Status.IsTerminal() {
			m.dropEngine(snapshot.Config.ID)
		}
	}()
}

// StopLoop cancels the loop's run and waits for the engine to wind down.
func (m *Manager) StopLoop(ctx context.Context, id string) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	eng := m.engine(id)
	if eng == nil || !eng.Running() {
		return ErrNotRunning
	}
	if err := eng.Stop(ctx); err != nil {
		return err
	}
	if eng.Snapshot().Config.Mode != models.ModeChat {
		m.dropEngine(id)
	}
	return nil
}

// DeleteLoop soft-deletes: status becomes deleted, the engine is dropped,
// and the worktree stays on disk until purge.
func (m *Manager) DeleteLoop(ctx context.Context, id string) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()
	return m.softDelete(ctx, id, events.EventLoopDeleted)
}

// DiscardLoop soft-deletes and additionally removes the working branch. The
// worktree survives until purge.
func (m *Manager) DiscardLoop(ctx context.Context, id string) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	lp, err := m.loadLoop(ctx, id)
	if err != nil {
		return err
	}
	if err := m.softDelete(ctx, id, events.EventLoopDiscarded); err != nil {
		return err
	}
	if gitState := lp.State.Git; gitState != nil {
		// The branch is checked out in the worktree. Detach the worktree's
		// HEAD so the branch can go while the directory stays inspectable
		// until purge.
		if err := m.git.DetachHead(ctx, gitState.WorktreePath); err != nil {
			slog.Warn("Failed to detach worktree head on discard", "loop_id", id, "error", err)
		}
		if err := m.git.DeleteBranch(ctx, lp.Config.Directory, gitState.WorkingBranch, true); err != nil {
			return fmt.Errorf("%w: %v", ErrDiscardFailed, err)
		}
	}
	return nil
}

func (m *Manager) softDelete(ctx context.Context, id string, eventType string) error {
	if eng := m.engine(id); eng != nil && eng.Running() {
		if err := eng.Stop(ctx); err != nil {
			return err
		}
	}
	m.dropEngine(id)

	if _, err := m.stores.Loops.UpdateLoopState(ctx, id, func(state *models.LoopState) error {
		state.Status = models.StatusDeleted
		return nil
	}); err != nil {
		return err
	}
	m.bus.Emit(events.Event{Type: eventType, LoopID: id})
	return nil
}

// PurgeLoop removes every trace of a merged, pushed, or deleted loop: the
// worktree, the branches, and the database row (review comments cascade).
func (m *Manager) PurgeLoop(ctx context.Context, id string) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	lp, err := m.loadLoop(ctx, id)
	if err != nil {
		return err
	}
	switch lp.State.Status {
	case models.StatusMerged, models.StatusPushed, models.StatusDeleted:
	default:
		return store.NewValidationError("status", "purge requires a merged, pushed, or deleted loop")
	}

	if gitState := lp.State.Git; gitState != nil {
		if err := m.git.RemoveWorktree(ctx, lp.Config.Directory, gitState.WorktreePath); err != nil {
			slog.Warn("Failed to remove worktree on purge", "loop_id", id, "error", err)
		}
		if exists, err := m.git.BranchExists(ctx, lp.Config.Directory, gitState.WorkingBranch); err == nil && exists {
			if err := m.git.DeleteBranch(ctx, lp.Config.Directory, gitState.WorkingBranch, true); err != nil {
				slog.Warn("Failed to delete branch on purge", "loop_id", id, "error", err)
			}
		}
		if rm := lp.State.ReviewMode; rm != nil && rm.CompletionAction == models.CompletionPush {
			if err := m.git.DeleteRemoteBranch(ctx, lp.Config.Directory, gitState.WorkingBranch); err != nil {
				slog.Warn("Failed to delete remote branch on purge", "loop_id", id, "error", err)
			}
		}
	}

	if err := m.stores.Sessions.DeleteSessionMappings(ctx, id); err != nil {
		slog.Warn("Failed to delete session mappings on purge", "loop_id", id, "error", err)
	}
	m.dropEngine(id)
	return m.stores.Loops.DeleteLoop(ctx, id)
}

// AcceptLoop merges the working branch into the original branch in the main
// checkout. The branch stays alive for review; status becomes merged.
func (m *Manager) AcceptLoop(ctx context.Context, id string) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	lp, err := m.loadLoop(ctx, id)
	if err != nil {
		return err
	}
	switch lp.State.Status {
	case models.StatusCompleted, models.StatusMaxIterations, models.StatusStopped, models.StatusFailed:
	default:
		return fmt.Errorf("%w: status %s", ErrAcceptFailed, lp.State.Status)
	}
	gitState := lp.State.Git
	if gitState == nil {
		return fmt.Errorf("%w: loop has no git state", ErrAcceptFailed)
	}

	current, err := m.git.CurrentBranch(ctx, lp.Config.Directory)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAcceptFailed, err)
	}
	if current != gitState.OriginalBranch {
		if err := m.git.Checkout(ctx, lp.Config.Directory, gitState.OriginalBranch, false); err != nil {
			return fmt.Errorf("%w: %v", ErrAcceptFailed, err)
		}
	}

	merged, err := m.git.MergeBranch(ctx, lp.Config.Directory, gitState.WorkingBranch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAcceptFailed, err)
	}
	if merged.Conflicts {
		if abortErr := m.git.AbortMerge(ctx, lp.Config.Directory); abortErr != nil {
			slog.Warn("Failed to abort conflicted accept merge", "loop_id", id, "error", abortErr)
		}
		return fmt.Errorf("%w: merge conflicts with %s", ErrAcceptFailed,
			strings.Join(merged.ConflictedFiles, ", "))
	}

	if _, err := m.stores.Loops.UpdateLoopState(ctx, id, func(state *models.LoopState) error {
		state.Status = models.StatusMerged
		state.ReviewMode = &models.ReviewModeState{
			Addressable:      true,
			CompletionAction: models.CompletionMerge,
		}
		return nil
	}); err != nil {
		return err
	}
	m.dropEngine(id)
	m.bus.Emit(events.Event{Type: events.EventLoopAccepted, LoopID: id})
	slog.Info("Accepted loop", "loop_id", id, "branch", gitState.WorkingBranch)
	return nil
}

// InjectPending writes a pending prompt and/or model override. The error
// block and any sync state are cleared; a terminal loop is jumpstarted back
// into running.
func (m *Manager) InjectPending(ctx context.Context, id, message string, model *models.ModelRef) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	lp, err := m.loadLoop(ctx, id)
	if err != nil {
		return err
	}

	// Model validation runs before the status check.
	if model != nil {
		ws, err := m.stores.Workspaces.GetWorkspace(ctx, lp.Config.WorkspaceID)
		if err != nil {
			return err
		}
		if err := m.backends.ValidateModel(ctx, ws, *model); err != nil {
			return err
		}
	}

	switch lp.State.Status {
	case models.StatusDraft, models.StatusDeleted:
		return store.NewValidationError("status", "cannot inject into a "+string(lp.State.Status)+" loop")
	}

	apply := func(state *models.LoopState) {
		state.SyncState = nil
		state.Error = nil
		state.ConsecutiveErrors = nil
		if message != "" {
			state.PendingPrompt = message
		}
		if model != nil {
			state.PendingModel = model
		}
	}

	if eng := m.engine(id); eng != nil {
		eng.Update(func(l *models.Loop) { apply(&l.State) })
		if eng.Running() {
			// The running engine consumes the pending values on its next
			// iteration; no restart needed.
			return nil
		}
	}

	if _, err := m.stores.Loops.UpdateLoopState(ctx, id, func(state *models.LoopState) error {
		apply(state)
		return nil
	}); err != nil {
		return err
	}

	// Jumpstart: a terminal or reviewable loop resumes running with the
	// injected prompt.
	switch lp.State.Status {
	case models.StatusStopped, models.StatusFailed, models.StatusCompleted,
		models.StatusMaxIterations, models.StatusMerged, models.StatusPushed:
		if lp.State.Status == models.StatusMaxIterations {
			// The budget is spent; grant one more iteration so the restarted
			// loop never re-terminates with the counter past the limit.
			if err := m.stores.Loops.UpdateLoopConfig(ctx, id, map[string]any{
				"max_iterations": lp.State.CurrentIteration + 1,
			}); err != nil {
				return err
			}
		}
		fresh, err := m.stores.Loops.GetLoop(ctx, id)
		if err != nil {
			return err
		}
		return m.startEngine(ctx, fresh)
	}
	return nil
}

// SendPlanFeedback forwards feedback to the loop's planning session,
// recovering the engine if the server restarted since planning began.
func (m *Manager) SendPlanFeedback(ctx context.Context, id, feedback string) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	eng, err := m.recoveredEngine(ctx, id)
	if err != nil {
		return err
	}
	return eng.SendPlanFeedback(feedback)
}

// AcceptPlan promotes a ready plan into execution.
func (m *Manager) AcceptPlan(ctx context.Context, id string) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	eng, err := m.recoveredEngine(ctx, id)
	if err != nil {
		return err
	}
	if err := eng.AcceptPlan(); err != nil {
		return err
	}
	m.watch(eng)
	return nil
}

// DiscardPlan abandons a planning loop.
func (m *Manager) DiscardPlan(ctx context.Context, id string) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	eng, err := m.recoveredEngine(ctx, id)
	if err != nil {
		return err
	}
	if err := eng.DiscardPlan(ctx); err != nil {
		return err
	}
	m.dropEngine(id)
	return nil
}

// SendChatMessage runs the next chat turn, recovering the engine and
// reattaching to the persisted session when needed.
func (m *Manager) SendChatMessage(ctx context.Context, id, message string) error {
	unlock, err := m.lockLoop(id)
	if err != nil {
		return err
	}
	defer unlock()

	eng, err := m.recoveredEngine(ctx, id)
	if err != nil {
		return err
	}
	return eng.SendChatMessage(message)
}

// recoveredEngine returns a resident engine or lazily rebuilds one from the
// persisted loop.
func (m *Manager) recoveredEngine(ctx context.Context, id string) (*loop.Engine, error) {
	if eng := m.engine(id); eng != nil {
		return eng, nil
	}
	lp, err := m.stores.Loops.GetLoop(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.engineFor(ctx, lp)
}

// Recover inspects persisted loops on startup. Engines are not restarted
// eagerly: the first operation that needs one rebuilds it.
func (m *Manager) Recover(ctx context.Context) error {
	loops, err := m.stores.Loops.ListLoops(ctx, "")
	if err != nil {
		return err
	}
	var active int
	for _, lp := range loops {
		if lp.State.Status.IsActive() {
			active++
			slog.Info("Loop awaiting lazy recovery",
				"loop_id", lp.Config.ID, "status", string(lp.State.Status))
		}
	}
	slog.Info("Recovery scan complete", "loops", len(loops), "recoverable", active)
	return nil
}

// Shutdown stops the ticker and every engine, then flushes state.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopTicker)
	<-m.tickerDone

	m.mu.Lock()
	engines := make([]*loop.Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.Unlock()

	for _, eng := range engines {
		if err := eng.Stop(ctx); err != nil {
			slog.Warn("Engine did not stop cleanly", "loop_id", eng.LoopID(), "error", err)
		}
		if err := m.stores.Loops.SaveLoop(ctx, eng.Snapshot()); err != nil {
			slog.Warn("Final persist failed", "loop_id", eng.LoopID(), "error", err)
		}
	}
	m.backends.Shutdown()
	return nil
}

// runTicker periodically snapshots running engines into the store.
func (m *Manager) runTicker() {
	defer close(m.tickerDone)
	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopTicker:
			return
		case <-ticker.C:
			m.persistRunning()
		}
	}
}

func (m *Manager) persistRunning() {
	m.mu.Lock()
	engines := make([]*loop.Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		if eng.Running() {
			engines = append(engines, eng)
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.persistInterval*4)
	defer cancel()
	for _, eng := range engines {
		if err := m.stores.Loops.SaveLoop(ctx, eng.Snapshot()); err != nil {
			slog.Warn("Ticker persist failed", "loop_id", eng.LoopID(), "error", err)
		}
	}
}
