package shell

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pollInterval is how often a pending Exec re-checks the output buffer when
// no new bytes have arrived to wake it up.
const pollInterval = 25 * time.Millisecond

// RemoteExecutor pipes a single shell session over a persistent PTY-style
// byte stream. Commands are serialized: one Exec at a time owns the session.
type RemoteExecutor struct {
	mu sync.Mutex // serializes Exec calls on the shared session

	w io.Writer

	out struct {
		sync.Mutex
		buf     strings.Builder
		updated chan struct{} // closed-and-replaced on each append
	}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRemoteExecutor starts reading from the session stream immediately.
// The caller owns the stream's lifecycle; Close only stops the read loop.
func NewRemoteExecutor(rw io.ReadWriter) *RemoteExecutor {
	e := &RemoteExecutor{w: rw, closed: make(chan struct{})}
	e.out.updated = make(chan struct{})
	go e.readLoop(rw)
	return e
}

// Close stops the read loop. Pending Execs fail on their next deadline check.
func (e *RemoteExecutor) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
}

func (e *RemoteExecutor) readLoop(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		select {
		case <-e.closed:
			return
		default:
		}

		n, err := r.Read(chunk)
		if n > 0 {
			e.out.Lock()
			e.out.buf.Write(chunk[:n])
			prev := e.out.updated
			e.out.updated = make(chan struct{})
			close(prev)
			e.out.Unlock()
		}
		if err != nil {
			e.Close()
			return
		}
	}
}

// snapshot returns the accumulated output and a channel that closes when
// more bytes arrive.
func (e *RemoteExecutor) snapshot() (string, <-chan struct{}) {
	e.out.Lock()
	defer e.out.Unlock()
	return e.out.buf.String(), e.out.updated
}

// Exec sends a marker-wrapped command line and waits for the end marker to
// come back. The result content is whatever appeared between the last
// occurrence of the marker pair.
func (e *RemoteExecutor) Exec(ctx context.Context, name string, args []string, opts ExecOptions) (*Result, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shQuote(name))
	for _, arg := range args {
		parts = append(parts, shQuote(arg))
	}
	command := strings.Join(parts, " ")
	if opts.Dir != "" {
		command = fmt.Sprintf("cd %s && %s", shQuote(opts.Dir), command)
	}
	return e.run(ctx, command)
}

// run executes a raw shell command line through the marker framing.
func (e *RemoteExecutor) run(ctx context.Context, command string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.closed:
		return nil, fmt.Errorf("remote session closed")
	default:
	}

	id := uuid.New().String()
	offsetOutput, _ := e.snapshot()
	offset := len(offsetOutput)

	line := wrapCommand(id, command) + "\n"
	if _, err := io.WriteString(e.w, line); err != nil {
		return nil, fmt.Errorf("writing command to remote session: %w", err)
	}

	for {
		output, updated := e.snapshot()
		if result, ok := extractResult(output[offset:], id); ok {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.closed:
			return nil, fmt.Errorf("remote session closed")
		case <-updated:
		case <-time.After(pollInterval):
		}
	}
}

// FileExists checks for a regular file on the remote host. The probe always
// produces output so marker extraction never sees an empty response.
func (e *RemoteExecutor) FileExists(ctx context.Context, path string) (bool, error) {
	result, err := e.run(ctx, fmt.Sprintf("test -f %s && echo true || echo false", shQuote(path)))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Stdout) == "true", nil
}

// DirectoryExists checks for a directory on the remote host.
func (e *RemoteExecutor) DirectoryExists(ctx context.Context, path string) (bool, error) {
	result, err := e.run(ctx, fmt.Sprintf("test -d %s && echo true || echo false", shQuote(path)))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Stdout) == "true", nil
}

// ReadFile returns the remote file content and whether the file exists.
func (e *RemoteExecutor) ReadFile(ctx context.Context, path string) (string, bool, error) {
	exists, err := e.FileExists(ctx, path)
	if err != nil || !exists {
		return "", false, err
	}
	result, err := e.run(ctx, fmt.Sprintf("cat %s", shQuote(path)))
	if err != nil {
		return "", false, err
	}
	if !result.Success && result.ExitCode == -1 {
		// Empty file: marker extraction reports empty content as a failure,
		// but the file exists.
		return "", true, nil
	}
	return result.Stdout, true, nil
}

// WriteFile writes content to a remote path. printf with a single-quoted
// argument survives embedded newlines, unlike a heredoc, which would fight
// the marker wrapping for the end of the command line.
func (e *RemoteExecutor) WriteFile(ctx context.Context, path, content string) error {
	command := fmt.Sprintf("printf '%%s' %s > %s", shQuote(content), shQuote(path))
	result, err := e.run(ctx, command)
	if err != nil {
		return err
	}
	if !result.Success && result.ExitCode != -1 {
		return fmt.Errorf("writing %s: exit code %d", path, result.ExitCode)
	}
	return nil
}

// ListDirectory returns the entry names of a remote directory.
func (e *RemoteExecutor) ListDirectory(ctx context.Context, path string) ([]string, error) {
	result, err := e.run(ctx, fmt.Sprintf("ls -1A %s", shQuote(path)))
	if err != nil {
		return nil, err
	}
	if !result.Success {
		if result.ExitCode == -1 {
			return nil, nil // empty directory
		}
		return nil, fmt.Errorf("listing %s: exit code %d", path, result.ExitCode)
	}
	var names []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
