package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ralphlabs/ralpher/pkg/backend"
	"github.com/ralphlabs/ralpher/pkg/events"
	"github.com/ralphlabs/ralpher/pkg/git"
	"github.com/ralphlabs/ralpher/pkg/models"
	"github.com/ralphlabs/ralpher/pkg/shell"
)

// recentIterationsCap bounds the recent-iterations ring in loop state.
const recentIterationsCap = 20

// defaultActivityTimeout applies when a loop config carries no timeout.
const defaultActivityTimeout = 5 * time.Minute

// Deps are the collaborators an engine drives.
type Deps struct {
	Backend backend.Backend
	Git     *git.Service
	Bus     *events.Bus
	Exec    shell.Executor

	// Persist writes the loop synchronously. The engine calls it on every
	// terminal transition; the manager's ticker persists snapshots while
	// the engine runs.
	Persist func(ctx context.Context, loop *models.Loop) error
	// SaveSession records the session mapping when a session is created.
	SaveSession func(ctx context.Context, mapping *models.SessionMapping) error

	// Now is stubbed in tests; defaults to time.Now.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Engine runs one loop. It owns the loop's in-memory state; the manager
// reads it through Snapshot and persists it.
type Engine struct {
	deps Deps

	mu   sync.Mutex
	loop models.Loop

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates an engine over a loaded loop.
func New(loop *models.Loop, deps Deps) *Engine {
	e := &Engine{deps: deps}
	e.loop = *loop
	return e
}

// LoopID returns the loop's ID.
func (e *Engine) LoopID() string {
	return e.loop.Config.ID
}

// Running reports whether a run task is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Done returns a channel closed when the current run finishes. Nil when no
// run was ever started.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Snapshot deep-copies the loop for persistence or API responses.
func (e *Engine) Snapshot() *models.Loop {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, err := json.Marshal(e.loop)
	if err != nil {
		copied := e.loop
		return &copied
	}
	var copied models.Loop
	if err := json.Unmarshal(data, &copied); err != nil {
		copied = e.loop
	}
	return &copied
}

// Update mutates the loop under the engine lock. Used by the manager to
// write pending prompt/model overrides into a running engine.
func (e *Engine) Update(fn func(l *models.Loop)) {
	e.update(fn)
}

// update mutates the loop under the engine lock.
func (e *Engine) update(fn func(l *models.Loop)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.loop)
}

// status reads the current status.
func (e *Engine) status() models.LoopStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loop.State.Status
}

// Start kicks off the loop's run task: planning loops run the planning
// phase, chat loops run their first turn, everything else runs the normal
// iteration loop. It returns immediately.
func (e *Engine) Start() error {
	return e.startRun(func(ctx context.Context) {
		if err := e.setup(ctx); err != nil {
			e.failSetup(ctx, err)
			return
		}
		switch {
		case e.loop.Config.PlanMode && e.planPending():
			e.runPlanning(ctx, e.loop.Config.Prompt)
		case e.loop.Config.Mode == models.ModeChat:
			e.runChatTurn(ctx, e.loop.Config.Prompt)
		default:
			e.runLoop(ctx)
		}
	})
}

// Stop cancels the current run, aborts the agent session, and transitions to
// stopped. Waiting is bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	running := e.running
	e.mu.Unlock()

	if running && cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// startRun launches fn as the engine's run task. A second concurrent run is
// rejected.
func (e *Engine) startRun(fn func(ctx context.Context)) error {
	return e.startRunWith(nil, fn)
}

// startRunWith is startRun with a prep mutation applied under the engine
// lock, after the already-running check passes. A rejected run leaves the
// loop untouched.
func (e *Engine) startRunWith(prep func(l *models.Loop), fn func(ctx context.Context)) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running for loop %s", e.loop.Config.ID)
	}
	if prep != nil {
		prep(&e.loop)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	done := e.done
	e.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Engine panic",
					"loop_id", e.loop.Config.ID, "panic", r, "stack", string(debug.Stack()))
				e.failWith(context.Background(), fmt.Sprintf("panic: %v", r))
			}
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
			cancel()
			close(done)
		}()
		fn(ctx)
	}()
	return nil
}

// setup ensures the worktree and agent session exist, recording git state
// and the session mapping. Idempotent across restarts.
func (e *Engine) setup(ctx context.Context) error {
	cfg := e.loop.Config

	if e.status() != models.StatusPlanning {
		e.transition(ctx, models.StatusStarting, false)
	}
	e.emit(events.EventLoopStarted, nil)

	if err := e.deps.Git.EnsureExcludeEntry(ctx, cfg.Directory); err != nil {
		return fmt.Errorf("ensuring exclude entry: %w", err)
	}
	if err := e.deps.Git.EnsureMergeStrategy(ctx, cfg.Directory); err != nil {
		return fmt.Errorf("ensuring merge strategy: %w", err)
	}

	e.mu.Lock()
	gitState := e.loop.State.Git
	e.mu.Unlock()

	if gitState == nil {
		originalBranch, err := e.deps.Git.CurrentBranch(ctx, cfg.Directory)
		if err != nil {
			return fmt.Errorf("reading current branch: %w", err)
		}
		baseBranch := cfg.BaseBranch
		if baseBranch == "" {
			baseBranch = originalBranch
		}
		workingBranch := git.WorkingBranchName(cfg.BranchPrefix, cfg.Name, cfg.ID, e.deps.now())
		worktreePath := git.WorktreePath(cfg.Directory, workingBranch)

		if err := e.deps.Git.CreateWorktree(ctx, cfg.Directory, worktreePath, workingBranch, baseBranch); err != nil {
			return fmt.Errorf("creating worktree: %w", err)
		}
		gitState = &models.GitState{
			OriginalBranch: originalBranch,
			WorkingBranch:  workingBranch,
			WorktreePath:   worktreePath,
		}
		e.update(func(l *models.Loop) { l.State.Git = gitState })
		slog.Info("Created worktree",
			"loop_id", cfg.ID, "branch", workingBranch, "path", worktreePath)
	}

	e.mu.Lock()
	session := e.loop.State.Session
	e.mu.Unlock()

	if session == nil {
		created, err := e.deps.Backend.CreateSession(ctx, cfg.Name, gitState.WorktreePath)
		if err != nil {
			return fmt.Errorf("creating agent session: %w", err)
		}
		session = &models.SessionRef{ID: created.ID, ServerURL: e.deps.Backend.ServerURL()}
		e.update(func(l *models.Loop) { l.State.Session = session })
		if e.deps.SaveSession != nil {
			if err := e.deps.SaveSession(ctx, &models.SessionMapping{
				Backend:   e.deps.Backend.Name(),
				LoopID:    cfg.ID,
				SessionID: created.ID,
				ServerURL: e.deps.Backend.ServerURL(),
			}); err != nil {
				slog.Warn("Failed to save session mapping", "loop_id", cfg.ID, "error", err)
			}
		}
	}

	if cfg.PlanMode && e.planPending() {
		if err := e.preparePlanningFolder(ctx, gitState.WorktreePath); err != nil {
			return err
		}
	}
	return nil
}

// failSetup aborts loop start: the loop returns to idle with the error
// recorded, so it can be started again once the cause is fixed.
func (e *Engine) failSetup(ctx context.Context, err error) {
	slog.Error("Loop setup failed", "loop_id", e.loop.Config.ID, "error", err)
	e.update(func(l *models.Loop) {
		l.State.Status = models.StatusIdle
		l.State.Error = &models.LoopError{
			Message:   err.Error(),
			Iteration: l.State.CurrentIteration,
			Timestamp: e.deps.now().UTC(),
		}
	})
	e.emit(events.EventLoopError, map[string]any{"error": err.Error()})
	e.persist(ctx)
}

// runLoop drives loop-mode iterations until a terminal decision.
func (e *Engine) runLoop(ctx context.Context) {
	e.transition(ctx, models.StatusRunning, false)

	for {
		if ctx.Err() != nil {
			e.handleStop(ctx)
			return
		}

		iteration := e.nextIteration()
		prompt, model := e.buildIterationPrompt()
		result := e.runIteration(ctx, e.sessionID(), iteration, prompt, model, e.completionMarkers())

		switch result.kind {
		case iterStopped:
			e.handleStop(ctx)
			return
		case iterComplete:
			e.update(func(l *models.Loop) {
				l.State.ConsecutiveErrors = nil
				now := e.deps.now().UTC()
				l.State.CompletedAt = &now
			})
			e.transition(ctx, models.StatusCompleted, true)
			e.emit(events.EventLoopCompleted, map[string]any{"iteration": iteration})
			return
		case iterError:
			if e.recordError(ctx, result.errText, iteration) {
				return
			}
		case iterContinue:
			e.update(func(l *models.Loop) { l.State.ConsecutiveErrors = nil })
		}

		if iteration >= e.loop.Config.MaxIterations {
			e.transition(ctx, models.StatusMaxIterations, true)
			e.emit(events.EventLoopCompleted, map[string]any{
				"iteration": iteration, "reason": "max_iterations",
			})
			return
		}
	}
}

// nextIteration bumps and returns the iteration counter.
func (e *Engine) nextIteration() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loop.State.CurrentIteration++
	return e.loop.State.CurrentIteration
}

// buildIterationPrompt combines the configured prompt with any pending
// prompt, consuming it, and resolves the model including a pending override.
func (e *Engine) buildIterationPrompt() (string, models.ModelRef) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prompt := e.loop.Config.Prompt
	if pending := e.loop.State.PendingPrompt; pending != "" {
		prompt = prompt + "\n\n" + pending
		e.loop.State.PendingPrompt = ""
	}
	model := e.loop.Config.Model
	if e.loop.State.PendingModel != nil {
		model = *e.loop.State.PendingModel
		e.loop.Config.Model = model
		e.loop.State.PendingModel = nil
	}
	return prompt, model
}

// completionMarkers returns the stop pattern plus the canonical marker.
func (e *Engine) completionMarkers() []string {
	markers := []string{CompleteMarker}
	if pattern := e.loop.Config.StopPattern; pattern != "" && pattern != CompleteMarker {
		markers = append(markers, pattern)
	}
	return markers
}

type iterKind int

const (
	iterContinue iterKind = iota
	iterComplete
	iterError
	iterStopped
)

type iterResult struct {
	kind    iterKind
	errText string
	buffer  string
}

// sessionID returns the loop's primary agent session ID, or "".
func (e *Engine) sessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loop.State.Session == nil {
		return ""
	}
	return e.loop.State.Session.ID
}

// runIteration performs one full iteration: prompt, event drain, commit,
// ring update, and the start/end events. The decision on the outcome is the
// caller's.
func (e *Engine) runIteration(ctx context.Context, sessionID string, iteration int, prompt string, model models.ModelRef, markers []string) iterResult {
	e.emit(events.EventLoopIterationStart, map[string]any{"iteration": iteration})

	result := e.drainAgentTurn(ctx, sessionID, prompt, model, markers)

	// Chat has no marker protocol: a turn that ends without error or
	// cancellation is a completed turn.
	if e.loop.Config.Mode == models.ModeChat && result.kind == iterContinue {
		result.kind = iterComplete
	}

	if result.kind != iterStopped {
		e.commitIfDirty(ctx, fmt.Sprintf("%s: iteration %d", e.loop.Config.CommitScope, iteration))
	}

	outcome := models.OutcomeContinue
	switch result.kind {
	case iterComplete:
		outcome = models.OutcomeComplete
	case iterError:
		outcome = models.OutcomeError
	}
	e.update(func(l *models.Loop) {
		l.State.RecentIterations = append(l.State.RecentIterations, models.IterationRecord{
			Iteration: iteration,
			Outcome:   outcome,
			Summary:   result.errText,
		})
		if len(l.State.RecentIterations) > recentIterationsCap {
			l.State.RecentIterations = l.State.RecentIterations[len(l.State.RecentIterations)-recentIterationsCap:]
		}
	})
	e.emit(events.EventLoopIterationEnd, map[string]any{
		"iteration": iteration, "outcome": string(outcome),
	})
	return result
}

// drainAgentTurn sends one prompt and consumes the event stream until it
// ends, a completion marker appears, the activity timeout fires, or the run
// is cancelled.
func (e *Engine) drainAgentTurn(ctx context.Context, sessionID, prompt string, model models.ModelRef, markers []string) iterResult {
	e.mu.Lock()
	timeoutSeconds := e.loop.Config.ActivityTimeoutSeconds
	e.mu.Unlock()
	if sessionID == "" {
		return iterResult{kind: iterError, errText: "no agent session"}
	}

	stream, cancelStream, err := e.deps.Backend.SubscribeEvents(ctx, sessionID)
	if err != nil {
		return iterResult{kind: iterError, errText: err.Error()}
	}
	defer cancelStream()

	if err := e.deps.Backend.SendPromptAsync(ctx, sessionID, prompt, model); err != nil {
		return iterResult{kind: iterError, errText: err.Error()}
	}

	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		scanner markerScanner
		buffer  strings.Builder
	)
	finish := func() iterResult {
		if msg := scanner.errorMessage(); msg != "" {
			return iterResult{kind: iterError, errText: msg, buffer: buffer.String()}
		}
		for _, marker := range markers {
			if scanner.contains(marker) {
				return iterResult{kind: iterComplete, buffer: buffer.String()}
			}
		}
		return iterResult{kind: iterContinue, buffer: buffer.String()}
	}

	for {
		select {
		case <-ctx.Done():
			_ = e.deps.Backend.AbortSession(context.Background(), sessionID)
			return iterResult{kind: iterStopped, buffer: buffer.String()}

		case <-timer.C:
			_ = e.deps.Backend.AbortSession(context.Background(), sessionID)
			return iterResult{
				kind:    iterError,
				errText: fmt.Sprintf("no agent activity for %s", timeout),
				buffer:  buffer.String(),
			}

		case event, ok := <-stream:
			if !ok {
				return finish()
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
			e.observeEvent(event, &scanner, &buffer)
		}
	}
}

// observeEvent folds one agent event into the iteration buffer and state.
func (e *Engine) observeEvent(event backend.AgentEvent, scanner *markerScanner, buffer *strings.Builder) {
	now := e.deps.now().UTC()
	e.update(func(l *models.Loop) { l.State.LastActivityAt = &now })

	switch event.Type {
	case backend.EventMessageDelta:
		scanner.feed(event.Text)
		buffer.WriteString(event.Text)
	case backend.EventMessageComplete:
		// Streams without deltas deliver the text only here.
		if buffer.Len() == 0 && event.Text != "" {
			scanner.feed(event.Text)
			buffer.WriteString(event.Text)
		}
	case backend.EventToolStart, backend.EventToolUpdate, backend.EventToolComplete:
		if event.Tool != nil {
			tool := *event.Tool
			e.update(func(l *models.Loop) {
				l.State.ToolCalls = append(l.State.ToolCalls, models.ToolCallRecord{
					Name:      tool.Name,
					Status:    tool.Status,
					Input:     tool.Input,
					Output:    tool.Output,
					Timestamp: now,
				})
			})
		}
	case backend.EventTodosUpdated:
		e.update(func(l *models.Loop) { l.State.Todos = event.Todos })
	case backend.EventError:
		scanner.feed(ErrorPrefix + event.Error + "\n")
	}
}

// commitIfDirty commits worktree changes with the given message and records
// the hash.
func (e *Engine) commitIfDirty(ctx context.Context, message string) {
	e.mu.Lock()
	gitState := e.loop.State.Git
	e.mu.Unlock()
	if gitState == nil {
		return
	}

	dirty, err := e.deps.Git.HasUncommittedChanges(ctx, gitState.WorktreePath)
	if err != nil || !dirty {
		if err != nil {
			slog.Warn("Failed to check worktree status", "loop_id", e.loop.Config.ID, "error", err)
		}
		return
	}
	if err := e.deps.Git.AddAll(ctx, gitState.WorktreePath); err != nil {
		slog.Warn("Failed to stage changes", "loop_id", e.loop.Config.ID, "error", err)
		return
	}
	if err := e.deps.Git.Commit(ctx, gitState.WorktreePath, message); err != nil {
		slog.Warn("Failed to commit changes", "loop_id", e.loop.Config.ID, "error", err)
		return
	}
	hash, err := e.deps.Git.HeadCommit(ctx, gitState.WorktreePath)
	if err != nil {
		return
	}
	e.update(func(l *models.Loop) {
		if l.State.Git != nil {
			l.State.Git.Commits = append(l.State.Git.Commits, hash)
		}
	})
	e.emit(events.EventGitCommit, map[string]any{"commit": hash, "message": message})
}

// recordError appends a consecutive error; returns true when the loop
// crossed maxConsecutiveErrors and transitioned to failed.
func (e *Engine) recordError(ctx context.Context, message string, iteration int) bool {
	loopErr := models.LoopError{
		Message:   message,
		Iteration: iteration,
		Timestamp: e.deps.now().UTC(),
	}
	var count int
	e.update(func(l *models.Loop) {
		l.State.ConsecutiveErrors = append(l.State.ConsecutiveErrors, loopErr)
		count = len(l.State.ConsecutiveErrors)
	})
	slog.Warn("Iteration error",
		"loop_id", e.loop.Config.ID, "iteration", iteration, "error", message,
		"consecutive", count)

	if count >= e.loop.Config.MaxConsecutiveErrors {
		e.update(func(l *models.Loop) { l.State.Error = &loopErr })
		e.transition(ctx, models.StatusFailed, true)
		e.emit(events.EventLoopError, map[string]any{"error": message, "iteration": iteration})
		return true
	}
	return false
}

// failWith transitions to failed with a recorded error. Used by the panic
// handler and the conflict-resolution variant.
func (e *Engine) failWith(ctx context.Context, message string) {
	e.update(func(l *models.Loop) {
		l.State.Error = &models.LoopError{
			Message:   message,
			Iteration: l.State.CurrentIteration,
			Timestamp: e.deps.now().UTC(),
		}
	})
	e.transition(ctx, models.StatusFailed, true)
	e.emit(events.EventLoopError, map[string]any{"error": message})
}

// handleStop finalizes a cancelled run.
func (e *Engine) handleStop(ctx context.Context) {
	e.transition(context.WithoutCancel(ctx), models.StatusStopped, true)
	e.emit(events.EventLoopStopped, nil)
}

// transition sets the status; terminal transitions persist synchronously.
func (e *Engine) transition(ctx context.Context, status models.LoopStatus, persistNow bool) {
	e.update(func(l *models.Loop) {
		l.State.Status = status
		if status == models.StatusRunning && l.State.StartedAt == nil {
			now := e.deps.now().UTC()
			l.State.StartedAt = &now
		}
	})
	if persistNow {
		e.persist(ctx)
	}
}

// persist writes the loop synchronously, retrying once before giving up.
func (e *Engine) persist(ctx context.Context) {
	if e.deps.Persist == nil {
		return
	}
	snapshot := e.Snapshot()
	if err := e.deps.Persist(ctx, snapshot); err != nil {
		slog.Warn("Persist failed, retrying", "loop_id", e.loop.Config.ID, "error", err)
		if err := e.deps.Persist(ctx, snapshot); err != nil {
			slog.Error("Persist failed", "loop_id", e.loop.Config.ID, "error", err)
		}
	}
}

// emit publishes a loop event on the bus.
func (e *Engine) emit(eventType string, data map[string]any) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Emit(events.Event{
		Type:   eventType,
		LoopID: e.loop.Config.ID,
		Data:   data,
	})
}
