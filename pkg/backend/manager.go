package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ralphlabs/ralpher/pkg/models"
)

// DefaultConnectTimeout bounds every connection attempt.
const DefaultConnectTimeout = 15 * time.Second

// Factory builds a backend instance for a workspace's server settings.
// dir is the workspace directory (used by spawn mode).
type Factory func(settings models.ServerSettings, dir string) Backend

// defaultFactory picks the variant from the settings mode.
func defaultFactory(settings models.ServerSettings, dir string) Backend {
	if settings.Mode == models.ServerModeSpawn {
		return NewSpawnBackend(settings, dir)
	}
	return NewHTTPBackend(settings)
}

// Manager owns one backend instance per workspace and keeps it alive until
// the workspace is deleted or explicitly reset.
type Manager struct {
	mu             sync.Mutex
	backends       map[string]Backend
	connectTimeout time.Duration
	factory        Factory
}

// NewManager creates a backend manager. A nil factory selects HTTP or spawn
// from the workspace's server settings.
func NewManager(connectTimeout time.Duration, factory Factory) *Manager {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if factory == nil {
		factory = defaultFactory
	}
	return &Manager{
		backends:       make(map[string]Backend),
		connectTimeout: connectTimeout,
		factory:        factory,
	}
}

// ForWorkspace returns the workspace's backend, connecting a new instance if
// none is alive.
func (m *Manager) ForWorkspace(ctx context.Context, ws *models.Workspace) (Backend, error) {
	m.mu.Lock()
	if existing, ok := m.backends[ws.ID]; ok && existing.IsConnected() {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	instance := m.factory(ws.ServerSettings, ws.Directory)
	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := instance.Connect(connectCtx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have connected concurrently; prefer theirs.
	if existing, ok := m.backends[ws.ID]; ok && existing.IsConnected() {
		_ = instance.Disconnect()
		return existing, nil
	}
	m.backends[ws.ID] = instance
	slog.Info("Connected agent backend",
		"workspace_id", ws.ID, "backend", instance.Name(), "server_url", instance.ServerURL())
	return instance, nil
}

// Reset disconnects and forgets the workspace's backend.
func (m *Manager) Reset(workspaceID string) {
	m.mu.Lock()
	instance, ok := m.backends[workspaceID]
	delete(m.backends, workspaceID)
	m.mu.Unlock()
	if ok {
		_ = instance.Disconnect()
	}
}

// Shutdown disconnects every backend.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	instances := make([]Backend, 0, len(m.backends))
	for id, instance := range m.backends {
		instances = append(instances, instance)
		delete(m.backends, id)
	}
	m.mu.Unlock()
	for _, instance := range instances {
		_ = instance.Disconnect()
	}
}

// ValidateModel fails unless the backend lists a matching connected model.
// Runs before status checks on endpoints that change a loop's model.
func (m *Manager) ValidateModel(ctx context.Context, ws *models.Workspace, ref models.ModelRef) error {
	instance, err := m.ForWorkspace(ctx, ws)
	if err != nil {
		return err
	}
	infos, err := instance.ListModels(ctx)
	if err != nil {
		return err
	}

	providerSeen := false
	for _, info := range infos {
		if info.ProviderID != ref.ProviderID {
			continue
		}
		providerSeen = true
		if info.ModelID == ref.ModelID {
			if !info.Connected {
				return ErrModelNotEnabled
			}
			return nil
		}
	}
	if !providerSeen {
		return ErrProviderNotFound
	}
	return ErrModelNotFound
}

// ValidateRemoteDirectory probes the settings with a short-lived connection
// and checks the directory exists on the agent server's machine. It returns
// an error on timeout, refused connection, or missing directory; it never
// hangs past the connect timeout.
func (m *Manager) ValidateRemoteDirectory(ctx context.Context, settings models.ServerSettings, dir string) error {
	instance := m.factory(settings, dir)
	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := instance.Connect(connectCtx); err != nil {
		return err
	}
	defer instance.Disconnect()

	exists, err := instance.DirectoryExists(connectCtx, dir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("directory %s does not exist on the agent server", dir)
	}
	return nil
}
