// Package backend abstracts the agent server the loop engine talks to:
// session lifecycle, prompt injection, the event stream, and abort.
package backend

import "github.com/ralphlabs/ralpher/pkg/models"

// AgentEventType classifies events on a session's stream.
type AgentEventType string

const (
	EventMessageStart    AgentEventType = "message.start"
	EventMessageDelta    AgentEventType = "message.delta"
	EventMessageComplete AgentEventType = "message.complete"
	EventToolStart       AgentEventType = "tool.start"
	EventToolUpdate      AgentEventType = "tool.update"
	EventToolComplete    AgentEventType = "tool.complete"
	EventTodosUpdated    AgentEventType = "todos.updated"
	EventQuestion        AgentEventType = "question"
	EventPermission      AgentEventType = "permission"
	// EventSessionIdle marks the end of output for the most recent prompt.
	// The backend closes the session's subscription streams after it.
	EventSessionIdle AgentEventType = "session.idle"
	EventError       AgentEventType = "error"
)

// ToolInfo describes a tool invocation reported by the agent.
type ToolInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// AgentEvent is one event observed on a session's stream.
type AgentEvent struct {
	Type      AgentEventType    `json:"type"`
	SessionID string            `json:"session_id"`
	Text      string            `json:"text,omitempty"`
	Tool      *ToolInfo         `json:"tool,omitempty"`
	Todos     []models.TodoItem `json:"todos,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Session is the handle returned by CreateSession.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}
