package manager

import "errors"

// Sentinel errors surfaced by manager operations. The API layer maps each
// one onto its wire error kind.
var (
	// ErrAlreadyInProgress rejects a mutating operation while another one
	// holds the loop's mutex.
	ErrAlreadyInProgress = errors.New("already_in_progress")

	// ErrNotDraft rejects draft-only operations on non-draft loops.
	ErrNotDraft = errors.New("not_draft")

	// ErrNotRunning rejects stop on a loop with no active engine.
	ErrNotRunning = errors.New("not_running")

	// ErrNotStartable rejects start on a status outside the startable set.
	ErrNotStartable = errors.New("not_startable")

	// ErrUncommittedChanges rejects a start that opted into strict
	// uncommitted-changes handling while the main checkout is dirty.
	ErrUncommittedChanges = errors.New("uncommitted_changes")

	// Wrapped git failures.
	ErrPushFailed         = errors.New("push_failed")
	ErrUpdateBranchFailed = errors.New("update_branch_failed")
	ErrAcceptFailed       = errors.New("accept_failed")
	ErrDiscardFailed      = errors.New("discard_failed")
)
