package models

import "time"

// ReviewCommentStatus tracks whether a comment has been addressed by a
// follow-up iteration.
type ReviewCommentStatus string

const (
	ReviewCommentPending   ReviewCommentStatus = "pending"
	ReviewCommentAddressed ReviewCommentStatus = "addressed"
)

// ReviewComment is feedback attached to a merged/pushed loop. Comments are
// cascade-deleted with their loop.
type ReviewComment struct {
	ID          string              `json:"id"`
	LoopID      string              `json:"loop_id"`
	ReviewCycle int                 `json:"review_cycle"`
	Text        string              `json:"text"`
	Status      ReviewCommentStatus `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	AddressedAt *time.Time          `json:"addressed_at,omitempty"`
}

// SyncStatus is the outcome classification of a push/update-branch attempt.
type SyncStatus string

const (
	SyncAlreadyUpToDate        SyncStatus = "already_up_to_date"
	SyncClean                  SyncStatus = "clean"
	SyncConflictsBeingResolved SyncStatus = "conflicts_being_resolved"
)

// SyncResult is returned by push and update-branch operations. RemoteBranch
// is present iff the push actually happened in this call.
type SyncResult struct {
	Success      bool       `json:"success"`
	SyncStatus   SyncStatus `json:"sync_status,omitempty"`
	RemoteBranch string     `json:"remote_branch,omitempty"`
	Error        string     `json:"error,omitempty"`
}
