// Package shell provides the command execution capability used by the git
// service and workspace probes. Two variants exist: a local subprocess
// executor and a remote executor that frames commands over a persistent
// PTY-style byte stream using start/end markers.
package shell

import (
	"context"
	"strings"
)

// Result is the outcome of a single command execution. Non-zero exit is not
// an error — it is reported via Success=false.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Success  bool   `json:"success"`
}

// ExecOptions carries per-invocation options.
type ExecOptions struct {
	// Dir is the working directory for the command. Empty means the
	// executor's default.
	Dir string
}

// Executor is the capability set required by the git service and the
// workspace validation probes.
type Executor interface {
	Exec(ctx context.Context, name string, args []string, opts ExecOptions) (*Result, error)
	FileExists(ctx context.Context, path string) (bool, error)
	DirectoryExists(ctx context.Context, path string) (bool, error)
	// ReadFile returns the file content and whether the file exists.
	ReadFile(ctx context.Context, path string) (string, bool, error)
	WriteFile(ctx context.Context, path, content string) error
	ListDirectory(ctx context.Context, path string) ([]string, error)
}

// shQuote single-quotes a string for POSIX shells.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
