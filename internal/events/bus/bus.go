// Package bus provides the event bus the control plane publishes
// session and execution lifecycle events on.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects for lifecycle events. Subscribers may use NATS wildcards,
// e.g. "sandbox.sessions.*".
const (
	SubjectSessionCreated    = "sandbox.sessions.created"
	SubjectSessionRunning    = "sandbox.sessions.running"
	SubjectSessionFailed     = "sandbox.sessions.failed"
	SubjectSessionTimeout    = "sandbox.sessions.timeout"
	SubjectSessionTerminated = "sandbox.sessions.terminated"

	SubjectExecutionStarted  = "sandbox.executions.started"
	SubjectExecutionFinished = "sandbox.executions.finished"
	SubjectExecutionCrashed  = "sandbox.executions.crashed"

	SubjectNodeOffline = "sandbox.nodes.offline"
)

// Event is a message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles a delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes lifecycle events. Delivery is best effort; the
// store stays authoritative, so publish failures are logged and never
// fail the triggering operation.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
