package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ralphlabs/ralpher/pkg/models"
)

// SpawnBackend launches a local agent server process and then behaves as an
// HTTP backend against it. Disconnect tears the process down.
type SpawnBackend struct {
	*HTTPBackend

	command  string
	dir      string
	hostname string
	port     int

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewSpawnBackend builds a spawn-mode backend from workspace settings. dir is
// the working directory the server is launched in.
func NewSpawnBackend(settings models.ServerSettings, dir string) *SpawnBackend {
	hostname := settings.Hostname
	if hostname == "" {
		hostname = "127.0.0.1"
	}
	local := settings
	local.Hostname = hostname
	return &SpawnBackend{
		HTTPBackend: NewHTTPBackend(local),
		command:     settings.Command,
		dir:         dir,
		hostname:    hostname,
		port:        settings.Port,
	}
}

// Connect starts the server process, waits for it to listen, then connects
// the HTTP backend to it.
func (b *SpawnBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.cmd != nil {
		b.mu.Unlock()
		return b.HTTPBackend.Connect(ctx)
	}

	fields := strings.Fields(b.command)
	if len(fields) == 0 {
		b.mu.Unlock()
		return fmt.Errorf("%w: empty spawn command", ErrConnectionFailed)
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Dir = b.dir
	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		return connectionError(err)
	}
	b.cmd = cmd
	b.mu.Unlock()

	slog.Info("Spawned agent server", "command", fields[0], "port", b.port)

	if err := b.waitForListen(ctx); err != nil {
		_ = b.killProcess()
		return err
	}
	if err := b.HTTPBackend.Connect(ctx); err != nil {
		_ = b.killProcess()
		return err
	}
	return nil
}

// Disconnect closes the HTTP side and stops the server process.
func (b *SpawnBackend) Disconnect() error {
	err := b.HTTPBackend.Disconnect()
	if killErr := b.killProcess(); killErr != nil && err == nil {
		err = killErr
	}
	return err
}

// waitForListen polls the TCP port until it accepts or ctx expires.
func (b *SpawnBackend) waitForListen(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", b.hostname, b.port)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: agent server never listened on %s", ErrConnectionFailed, address)
		case <-ticker.C:
		}
	}
}

func (b *SpawnBackend) killProcess() error {
	b.mu.Lock()
	cmd := b.cmd
	b.cmd = nil
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return err
	}
	_ = cmd.Wait()
	return nil
}
