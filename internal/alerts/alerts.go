// Package alerts provides the alert fan-out used to surface dead-lettered
// tasks and degraded backends to operators. Sinks are registered before
// the scheduler starts; the log sink is always available as a baseline.
package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an alert.
type Kind string

// Alert kinds raised by the scheduler.
const (
	// KindDeadLetter is raised when a task exhausts its retries or
	// carries an unknown label.
	KindDeadLetter Kind = "dead_letter"

	// KindBackendDegraded is raised when the queue backend stops
	// responding to health probes.
	KindBackendDegraded Kind = "backend_degraded"

	// KindStuckTask is raised when the monitor force-fails a task that
	// exceeded the stuck threshold.
	KindStuckTask Kind = "stuck_task"
)

// Alert is a single operator-facing event.
type Alert struct {
	// ID uniquely identifies this alert.
	ID uuid.UUID `json:"id"`

	// Kind classifies the alert.
	Kind Kind `json:"kind"`

	// TaskID references the affected task, when there is one.
	TaskID uuid.UUID `json:"task_id,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// RaisedAt is when the alert was created.
	RaisedAt time.Time `json:"raised_at"`
}

// New creates an alert of the given kind.
func New(kind Kind, taskID uuid.UUID, message string) *Alert {
	return &Alert{
		ID:       uuid.New(),
		Kind:     kind,
		TaskID:   taskID,
		Message:  message,
		RaisedAt: time.Now().UTC(),
	}
}

// Sink receives published alerts. Implementations must tolerate
// concurrent calls.
// Version: 1.0
type Sink interface {
	// Publish delivers the alert. Returns an error if delivery fails.
	Publish(ctx context.Context, alert *Alert) error
}

// Emitter publishes alerts to registered sinks.
// Version: 1.0
type Emitter interface {
	// Emit publishes the alert to all registered sinks.
	Emit(ctx context.Context, alert *Alert)
}
