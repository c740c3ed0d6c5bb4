// Package broadcast defines the port for pushing coordination events to
// connected observers.
package broadcast

import "context"

// Event types emitted by the coordination core.
const (
	EventTaskSubmitted    = "task.submitted"
	EventTaskDispatched   = "task.dispatched"
	EventTaskCompleted    = "task.completed"
	EventTaskTimeout      = "task.timeout"
	EventTaskCancelled    = "task.cancelled"
	EventAgentRegistered  = "agent.registered"
	EventAgentOffline     = "agent.offline"
	EventConflictDetected = "conflict.detected"
	EventConflictResolved = "conflict.resolved"
)

// Broadcaster pushes typed events to every connected observer.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop is a Broadcaster that discards every event.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
