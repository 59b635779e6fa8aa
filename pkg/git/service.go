// Package git wraps shell-level git operations behind the command executor.
// All operations take the repository (or worktree) directory explicitly so
// one service instance serves every workspace.
package git

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ralphlabs/ralpher/pkg/shell"
)

// Service executes git commands through a shell executor.
type Service struct {
	exec shell.Executor
}

// NewService creates a git service on top of the given executor.
func NewService(exec shell.Executor) *Service {
	return &Service{exec: exec}
}

// MergeResult describes the outcome of a merge attempt.
type MergeResult struct {
	Clean           bool
	AlreadyUpToDate bool
	Conflicts       bool
	ConflictedFiles []string
}

// git runs a git subcommand in dir and returns its result. Failure to launch
// the binary is an error; non-zero exits come back in the result.
func (s *Service) git(ctx context.Context, dir string, args ...string) (*shell.Result, error) {
	return s.exec.Exec(ctx, "git", args, shell.ExecOptions{Dir: dir})
}

// mustGit runs a git subcommand and converts non-zero exits into errors.
func (s *Service) mustGit(ctx context.Context, dir string, args ...string) (*shell.Result, error) {
	result, err := s.git(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return result, fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(result.Stderr+result.Stdout))
	}
	return result, nil
}

// Init initialises a new repository with an initial branch name.
func (s *Service) Init(ctx context.Context, dir, initialBranch string) error {
	_, err := s.mustGit(ctx, dir, "init", "-b", initialBranch)
	return err
}

// CurrentBranch returns the branch the checkout at dir is on.
func (s *Service) CurrentBranch(ctx context.Context, dir string) (string, error) {
	result, err := s.mustGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// BranchExists reports whether a local branch exists.
func (s *Service) BranchExists(ctx context.Context, dir, branch string) (bool, error) {
	result, err := s.git(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	return result.Success, nil
}

// RemoteBranchExists reports whether the branch exists on origin.
func (s *Service) RemoteBranchExists(ctx context.Context, dir, branch string) (bool, error) {
	result, err := s.git(ctx, dir, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, err
	}
	if !result.Success {
		return false, fmt.Errorf("ls-remote origin %s: %s", branch, strings.TrimSpace(result.Stderr))
	}
	return strings.TrimSpace(result.Stdout) != "", nil
}

// HasUncommittedChanges reports whether the working tree at dir is dirty,
// including untracked files.
func (s *Service) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	result, err := s.mustGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Stdout) != "", nil
}

// AddAll stages every change in the working tree.
func (s *Service) AddAll(ctx context.Context, dir string) error {
	_, err := s.mustGit(ctx, dir, "add", "-A")
	return err
}

// Commit records the staged changes with the given message.
func (s *Service) Commit(ctx context.Context, dir, message string) error {
	_, err := s.mustGit(ctx, dir, "commit", "-m", message)
	return err
}

// HeadCommit returns the full hash of HEAD at dir.
func (s *Service) HeadCommit(ctx context.Context, dir string) (string, error) {
	result, err := s.mustGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Checkout switches branches, optionally creating the branch first.
func (s *Service) Checkout(ctx context.Context, dir, branch string, create bool) error {
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)
	_, err := s.mustGit(ctx, dir, args...)
	return err
}

// CreateWorktree adds a linked worktree at path with a new branch created
// from baseBranch.
func (s *Service) CreateWorktree(ctx context.Context, dir, path, branch, baseBranch string) error {
	_, err := s.mustGit(ctx, dir, "worktree", "add", "-b", branch, path, baseBranch)
	return err
}

// RemoveWorktree removes a linked worktree, discarding any local changes.
func (s *Service) RemoveWorktree(ctx context.Context, dir, path string) error {
	_, err := s.mustGit(ctx, dir, "worktree", "remove", "--force", path)
	return err
}

// ListWorktrees returns the paths of all linked worktrees, main checkout
// included.
func (s *Service) ListWorktrees(ctx context.Context, dir string) ([]string, error) {
	result, err := s.mustGit(ctx, dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, strings.TrimSpace(rest))
		}
	}
	return paths, nil
}

// DefaultBranch prefers main, falls back to master, then to whatever the
// checkout is currently on.
func (s *Service) DefaultBranch(ctx context.Context, dir string) (string, error) {
	for _, candidate := range []string{"main", "master"} {
		exists, err := s.BranchExists(ctx, dir, candidate)
		if err != nil {
			return "", err
		}
		if exists {
			return candidate, nil
		}
	}
	return s.CurrentBranch(ctx, dir)
}

// Fetch updates the remote-tracking ref for a branch.
func (s *Service) Fetch(ctx context.Context, dir, remote, branch string) error {
	_, err := s.mustGit(ctx, dir, "fetch", remote, branch)
	return err
}

// MergeFromRemote merges origin/<branch> into the current branch of dir.
// Conflicts are not an error: they are reported in the result and the merge
// is left in progress for the caller to resolve or abort.
func (s *Service) MergeFromRemote(ctx context.Context, dir, branch string) (*MergeResult, error) {
	result, err := s.git(ctx, dir, "merge", "origin/"+branch, "--no-edit")
	if err != nil {
		return nil, err
	}

	if result.Success {
		merged := &MergeResult{Clean: true}
		if strings.Contains(result.Stdout, "Already up to date") {
			merged.AlreadyUpToDate = true
		}
		return merged, nil
	}

	conflicted, err := s.conflictedFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(conflicted) > 0 {
		return &MergeResult{Conflicts: true, ConflictedFiles: conflicted}, nil
	}

	return nil, fmt.Errorf("merge origin/%s: %s", branch, strings.TrimSpace(result.Stderr+result.Stdout))
}

// conflictedFiles lists paths with unresolved merge conflicts.
func (s *Service) conflictedFiles(ctx context.Context, dir string) ([]string, error) {
	result, err := s.mustGit(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// AbortMerge aborts an in-progress merge.
func (s *Service) AbortMerge(ctx context.Context, dir string) error {
	_, err := s.mustGit(ctx, dir, "merge", "--abort")
	return err
}

// Push pushes a branch to origin, optionally setting the upstream on first
// push.
func (s *Service) Push(ctx context.Context, dir, branch string, setUpstream bool) error {
	args := []string{"push"}
	if setUpstream {
		args = append(args, "--set-upstream")
	}
	args = append(args, "origin", branch)
	_, err := s.mustGit(ctx, dir, args...)
	return err
}

// DetachHead detaches the checkout at dir from its branch, leaving the
// working tree untouched. Frees the branch for deletion while the checkout
// stays browsable.
func (s *Service) DetachHead(ctx context.Context, dir string) error {
	_, err := s.mustGit(ctx, dir, "checkout", "--detach")
	return err
}

// DeleteBranch deletes a local branch.
func (s *Service) DeleteBranch(ctx context.Context, dir, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := s.mustGit(ctx, dir, "branch", flag, branch)
	return err
}

// DeleteRemoteBranch removes the branch from origin. Missing remote branches
// are not an error.
func (s *Service) DeleteRemoteBranch(ctx context.Context, dir, branch string) error {
	result, err := s.git(ctx, dir, "push", "origin", "--delete", branch)
	if err != nil {
		return err
	}
	if !result.Success && !strings.Contains(result.Stderr, "remote ref does not exist") {
		return fmt.Errorf("deleting remote branch %s: %s", branch, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// MergeBranch merges the given branch into the current branch of dir.
// Used by accept to fold a working branch into the original branch.
func (s *Service) MergeBranch(ctx context.Context, dir, branch string) (*MergeResult, error) {
	result, err := s.git(ctx, dir, "merge", branch, "--no-edit")
	if err != nil {
		return nil, err
	}
	if result.Success {
		merged := &MergeResult{Clean: true}
		if strings.Contains(result.Stdout, "Already up to date") {
			merged.AlreadyUpToDate = true
		}
		return merged, nil
	}
	conflicted, err := s.conflictedFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(conflicted) > 0 {
		return &MergeResult{Conflicts: true, ConflictedFiles: conflicted}, nil
	}
	return nil, fmt.Errorf("merge %s: %s", branch, strings.TrimSpace(result.Stderr+result.Stdout))
}

// EnsureExcludeEntry re-validates that .git/info/exclude contains the
// worktrees directory. Idempotent; called on every loop creation.
func (s *Service) EnsureExcludeEntry(ctx context.Context, dir string) error {
	excludePath := filepath.Join(dir, ".git", "info", "exclude")
	content, _, err := s.exec.ReadFile(ctx, excludePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", excludePath, err)
	}
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == WorktreesDirName {
			return nil
		}
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += WorktreesDirName + "\n"
	return s.exec.WriteFile(ctx, excludePath, content)
}

// EnsureMergeStrategy sets pull.rebase=false locally, but only when the
// repository has no pull.rebase configured at all.
func (s *Service) EnsureMergeStrategy(ctx context.Context, dir string) error {
	result, err := s.git(ctx, dir, "config", "--get", "pull.rebase")
	if err != nil {
		return err
	}
	if result.Success && strings.TrimSpace(result.Stdout) != "" {
		return nil
	}
	_, err = s.mustGit(ctx, dir, "config", "pull.rebase", "false")
	return err
}
