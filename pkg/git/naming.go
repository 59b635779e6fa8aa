package git

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// WorktreesDirName is the directory under the repository root that holds all
// loop worktrees. It is kept out of version control via .git/info/exclude.
const WorktreesDirName = ".ralph-worktrees"

// SanitizeName lower-cases a loop name and replaces anything outside
// [a-z0-9._-] with a dash, collapsing runs and trimming the ends. The result
// is safe for use as a branch name component.
func SanitizeName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	lastDash := true // suppress leading dashes
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-.")
}

// WorkingBranchName builds the per-loop branch name:
// <prefix><sanitized(name)>-<YYYY-MM-DD>-<first 8 chars of loopID>.
func WorkingBranchName(prefix, name, loopID string, now time.Time) string {
	short := loopID
	if len(short) > 8 {
		short = short[:8]
	}
	sanitized := SanitizeName(name)
	if sanitized == "" {
		sanitized = "loop"
	}
	return fmt.Sprintf("%s%s-%s-%s", prefix, sanitized, now.Format("2006-01-02"), short)
}

// WorktreePath returns the deterministic worktree location for a working
// branch: <repo>/.ralph-worktrees/<sanitized(branch)>. Branch separators
// become dashes so the path stays flat.
func WorktreePath(repoDir, workingBranch string) string {
	component := SanitizeName(strings.ReplaceAll(workingBranch, "/", "-"))
	return filepath.Join(repoDir, WorktreesDirName, component)
}
