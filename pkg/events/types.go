// Package events provides the in-process loop lifecycle event bus and
// real-time delivery of those events to WebSocket clients.
//
// The bus is synchronous and lossless for in-process subscribers: Emit
// invokes every handler in registration order before returning. WebSocket
// delivery on top of it is lossy by design — there is no buffering and no
// replay; clients that need history reload over REST.
package events

import "time"

// Loop lifecycle event types.
const (
	EventLoopCreated        = "loop.created"
	EventLoopStarted        = "loop.started"
	EventLoopIterationStart = "loop.iteration.start"
	EventLoopIterationEnd   = "loop.iteration.end"
	EventLoopCompleted      = "loop.completed"
	EventLoopStopped        = "loop.stopped"
	EventLoopFailed         = "loop.failed"
	EventLoopDeleted        = "loop.deleted"
	EventLoopAccepted       = "loop.accepted"
	EventLoopDiscarded      = "loop.discarded"
	EventLoopPushed         = "loop.pushed"
	EventLoopError          = "loop.error"
	EventLoopLog            = "loop.log"
)

// Plan mode event types.
const (
	EventPlanReady     = "loop.plan.ready"
	EventPlanFeedback  = "loop.plan.feedback"
	EventPlanAccepted  = "loop.plan.accepted"
	EventPlanDiscarded = "loop.plan.discarded"
)

// Branch sync event types.
const (
	EventSyncStarted   = "loop.sync.started"
	EventSyncClean     = "loop.sync.clean"
	EventSyncConflicts = "loop.sync.conflicts"
)

// Git event types.
const (
	EventGitCommit = "loop.git.commit"
)

// Event is a single loop lifecycle event. Every event carries the loop ID
// and a wall-clock timestamp assigned at emit time.
type Event struct {
	Type      string         `json:"type"`
	LoopID    string         `json:"loop_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// GlobalLoopsChannel is the WebSocket channel carrying every loop event.
// The loop list page subscribes to this for real-time updates.
const GlobalLoopsChannel = "loops"

// LoopChannel returns the WebSocket channel name for a specific loop's
// events. Format: "loop:{loop_id}".
func LoopChannel(loopID string) string {
	return "loop:" + loopID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // Channel name (e.g., "loop:abc-123")
}
