// Package config provides environment-driven server configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime configuration. Values come from the environment;
// persisted preferences fill the gaps (log level) at startup.
type Config struct {
	// DataDir is the root for the database and related files.
	DataDir string `env:"RALPHER_DATA_DIR" envDefault:"./data"`

	// LogLevel overrides the persisted log-level preference when set.
	LogLevel string `env:"RALPHER_LOG_LEVEL"`

	// RemoteOnly forces connect-mode-only workspaces. Truthy values are
	// accepted case-insensitively ("true", "1", "yes").
	RemoteOnly string `env:"RALPHER_REMOTE_ONLY"`

	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	// ConnectTimeout bounds agent backend connection attempts.
	ConnectTimeout time.Duration `env:"RALPHER_CONNECT_TIMEOUT" envDefault:"15s"`

	// PersistInterval is the state-persistence ticker period while at least
	// one engine is running.
	PersistInterval time.Duration `env:"RALPHER_PERSIST_INTERVAL" envDefault:"250ms"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// IsRemoteOnly reports whether connect-mode-only operation is forced.
func (c *Config) IsRemoteOnly() bool {
	switch strings.ToLower(strings.TrimSpace(c.RemoteOnly)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// ParseLogLevel maps a ralpher log-level name onto a slog level. The finer
// levels (silly, trace) collapse into debug; fatal collapses into error.
func ParseLogLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "silly", "trace", "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error", "fatal":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// Defaults applied to new loops when the caller omits a value.
const (
	DefaultStopPattern            = "COMPLETE"
	DefaultMaxIterations          = 50
	DefaultMaxConsecutiveErrors   = 3
	DefaultActivityTimeoutSeconds = 300
	DefaultBranchPrefix           = "ralph/"
	DefaultCommitScope            = "ralph"
)
