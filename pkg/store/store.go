package store

import "database/sql"

// Stores bundles every entity store over one shared connection.
type Stores struct {
	Loops          *LoopStore
	Workspaces     *WorkspaceStore
	Sessions       *SessionStore
	ReviewComments *ReviewCommentStore
	Preferences    *PreferenceStore
}

// New creates all stores over db.
func New(db *sql.DB) *Stores {
	return &Stores{
		Loops:          NewLoopStore(db),
		Workspaces:     NewWorkspaceStore(db),
		Sessions:       NewSessionStore(db),
		ReviewComments: NewReviewCommentStore(db),
		Preferences:    NewPreferenceStore(db),
	}
}
