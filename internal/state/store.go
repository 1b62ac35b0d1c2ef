// Package state defines the durable per-task status store used for crash
// recovery, status queries, observability and dedup enforcement.
package state

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/memgrid/memsched/internal/domain"
)

// Store persists TaskStatus records keyed by task ID. Every state
// transition is a compare-and-set guarded by the expected prior state, so
// a stale, concurrently-arriving redelivery cannot overwrite a newer
// terminal state; guarded methods return domain.ErrStaleTransition when
// the guard fails.
// Version: 1.0
type Store interface {
	// Create persists the message as a Queued task. When the message
	// carries a dedup key already held by a non-terminal task, no new
	// record is created and the existing task's ID is returned with
	// deduped set to true.
	Create(ctx context.Context, msg *domain.ScheduleMessage) (taskID uuid.UUID, deduped bool, err error)

	// Get returns the status record for the task.
	Get(ctx context.Context, taskID uuid.UUID) (*domain.TaskStatus, error)

	// MarkRunning transitions Queued -> Running, recording the owning
	// worker and the delivery attempt.
	MarkRunning(ctx context.Context, taskID uuid.UUID, workerID string, attempt int) error

	// MarkSucceeded transitions Running -> Succeeded.
	MarkSucceeded(ctx context.Context, taskID uuid.UUID) error

	// MarkFailed transitions Running -> Failed, recording the error.
	MarkFailed(ctx context.Context, taskID uuid.UUID, lastError string) error

	// MarkQueued transitions Running or Failed back to Queued, used when
	// a task is released for redelivery.
	MarkQueued(ctx context.Context, taskID uuid.UUID, reason string) error

	// MarkDeadLettered transitions any non-terminal state to
	// DeadLettered, recording the final error.
	MarkDeadLettered(ctx context.Context, taskID uuid.UUID, lastError string) error

	// CountByState returns the number of tasks in each state.
	CountByState(ctx context.Context) (map[domain.TaskState]int64, error)

	// FindStale returns tasks that have been Running longer than
	// olderThan, candidates for a forced release.
	FindStale(ctx context.Context, olderThan time.Duration) ([]*domain.TaskStatus, error)

	// ReconcileStartup resets every Running task back to Queued. Called
	// once at scheduler start so no task stays attributed to a worker
	// from a previous process.
	ReconcileStartup(ctx context.Context) (int64, error)

	// PurgeTerminalBefore deletes terminal records whose last update is
	// older than cutoff, enforcing the audit retention window.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
