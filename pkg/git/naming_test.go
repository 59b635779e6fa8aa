package git

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix login bug", "fix-login-bug"},
		{"Add OAuth2 支持", "add-oauth2"},
		{"already-clean", "already-clean"},
		{"UPPER_case.mixed", "upper_case.mixed"},
		{"  spaces   everywhere  ", "spaces-everywhere"},
		{"trailing---", "trailing"},
		{"", ""},
		{"///", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestWorkingBranchName(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	name := WorkingBranchName("ralph/", "Fix login bug", "0f3c9a81-1234-5678-9abc-def012345678", now)
	assert.Equal(t, "ralph/fix-login-bug-2026-08-25-0f3c9a81", name)
}

func TestWorkingBranchName_EmptyName(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	name := WorkingBranchName("ralph/", "!!!", "abcdef1234", now)
	assert.Equal(t, "ralph/loop-2026-08-25-abcdef12", name)
}

func TestWorktreePath(t *testing.T) {
	path := WorktreePath("/repo", "ralph/fix-login-bug-2026-08-25-0f3c9a81")
	assert.Equal(t, filepath.Join("/repo", ".ralph-worktrees", "ralph-fix-login-bug-2026-08-25-0f3c9a81"), path)
}
