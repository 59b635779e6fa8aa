package models

import "time"

// ServerMode selects how a workspace reaches its agent server.
type ServerMode string

const (
	// ServerModeSpawn launches the agent server locally.
	ServerModeSpawn ServerMode = "spawn"
	// ServerModeConnect reaches an already-running agent server over the network.
	ServerModeConnect ServerMode = "connect"
)

// IsValid checks if the server mode is valid.
func (m ServerMode) IsValid() bool {
	return m == ServerModeSpawn || m == ServerModeConnect
}

// ServerSettings configures the agent server connection for a workspace.
type ServerSettings struct {
	Mode ServerMode `json:"mode"`

	// Connect mode.
	Hostname         string `json:"hostname,omitempty"`
	Port             int    `json:"port,omitempty"`
	UseTLS           bool   `json:"use_tls,omitempty"`
	AllowInsecureTLS bool   `json:"allow_insecure_tls,omitempty"`

	// Spawn mode: command used to launch the agent server locally.
	Command string `json:"command,omitempty"`
}

// Workspace owns a directory (a git repository) and many loops.
type Workspace struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Directory      string         `json:"directory"`
	ServerSettings ServerSettings `json:"server_settings"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SessionMapping records the at-most-one backend session per (backend, loop).
type SessionMapping struct {
	Backend   string    `json:"backend"`
	LoopID    string    `json:"loop_id"`
	SessionID string    `json:"session_id"`
	ServerURL string    `json:"server_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ModelInfo describes a model offered by an agent backend.
type ModelInfo struct {
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
	ModelID      string `json:"model_id"`
	ModelName    string `json:"model_name"`
	Connected    bool   `json:"connected"`
}
