package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// LocalExecutor runs commands as direct subprocesses on the local machine.
type LocalExecutor struct{}

// NewLocalExecutor creates a local executor.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

// Exec runs the command with the provided cwd. A non-zero exit code is
// reported via Result.Success=false, never as an error; errors are reserved
// for failures to start the process at all.
func (e *LocalExecutor) Exec(ctx context.Context, name string, args []string, opts ExecOptions) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Success = false
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	result.ExitCode = 0
	result.Success = true
	return result, nil
}

// FileExists reports whether path exists and is a regular file.
func (e *LocalExecutor) FileExists(_ context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// DirectoryExists reports whether path exists and is a directory.
func (e *LocalExecutor) DirectoryExists(_ context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// ReadFile returns the file content and whether the file exists.
func (e *LocalExecutor) ReadFile(_ context.Context, path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// WriteFile writes content to path, creating parent directories as needed.
func (e *LocalExecutor) WriteFile(_ context.Context, path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// ListDirectory returns the entry names of a directory.
func (e *LocalExecutor) ListDirectory(_ context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}
