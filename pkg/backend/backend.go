package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/ralphlabs/ralpher/pkg/models"
)

var (
	// ErrNotConnected is returned when an operation needs a live connection
	ErrNotConnected = errors.New("not_connected")

	// ErrSessionNotFound is returned when the agent server does not know the session
	ErrSessionNotFound = errors.New("session_not_found")

	// ErrModelNotEnabled is returned when the model exists but its provider is not connected
	ErrModelNotEnabled = errors.New("model_not_enabled")

	// ErrModelNotFound is returned when the provider exists but not the model
	ErrModelNotFound = errors.New("model_not_found")

	// ErrProviderNotFound is returned when the provider is unknown
	ErrProviderNotFound = errors.New("provider_not_found")

	// ErrConnectionFailed wraps transport errors with their cause
	ErrConnectionFailed = errors.New("connection_failed")
)

// connectionError wraps a transport failure as connection_failed.
func connectionError(err error) error {
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

// Backend is the contract between the loop engine and an agent server.
type Backend interface {
	// Name identifies the backend kind for session mappings.
	Name() string
	// ServerURL is the address sessions on this backend live at.
	ServerURL() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// CreateSession creates an agent session bound to a directory.
	CreateSession(ctx context.Context, title, directory string) (*Session, error)

	// SendPrompt is a synchronous single-turn call used for short
	// out-of-band prompts such as name generation.
	SendPrompt(ctx context.Context, sessionID, prompt string, model models.ModelRef) (string, error)

	// SendPromptAsync is fire-and-forget; the response is observable only
	// via the event stream.
	SendPromptAsync(ctx context.Context, sessionID, prompt string, model models.ModelRef) error

	// SubscribeEvents returns a stream of the session's events. The channel
	// is closed when the agent finishes producing output for the most
	// recent prompt, or when cancel is called.
	SubscribeEvents(ctx context.Context, sessionID string) (<-chan AgentEvent, func(), error)

	AbortSession(ctx context.Context, sessionID string) error
	ReplyToPermission(ctx context.Context, sessionID, requestID string, allow bool) error
	ReplyToQuestion(ctx context.Context, sessionID, requestID, answer string) error

	ListModels(ctx context.Context) ([]models.ModelInfo, error)

	// DirectoryExists probes a directory on the machine the agent server
	// runs on. Used by remote-directory validation.
	DirectoryExists(ctx context.Context, dir string) (bool, error)
}
