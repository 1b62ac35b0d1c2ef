package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/memgrid/memsched/internal/domain"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments without Postgres. All transitions take the store mutex, so
// the compare-and-set guards hold under concurrent workers.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.TaskStatus

	// active tracks which non-terminal task currently holds each dedup
	// key. Mirrors the partial unique index of the Postgres store.
	active map[string]uuid.UUID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[uuid.UUID]*domain.TaskStatus),
		active: make(map[string]uuid.UUID),
	}
}

// Create persists the message as a Queued task, returning the holder's ID
// when the dedup key is already taken by a non-terminal task.
func (s *MemoryStore) Create(ctx context.Context, msg *domain.ScheduleMessage) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.DedupKey != "" {
		if holder, ok := s.active[msg.DedupKey]; ok {
			return holder, true, nil
		}
	}

	if _, exists := s.tasks[msg.TaskID]; exists {
		return uuid.Nil, false, fmt.Errorf("%w: task %s already exists", domain.ErrDuplicateTask, msg.TaskID)
	}

	now := time.Now().UTC()
	s.tasks[msg.TaskID] = &domain.TaskStatus{
		TaskID:       msg.TaskID,
		Label:        msg.Label,
		State:        domain.TaskStateQueued,
		AttemptCount: msg.AttemptCount,
		DedupKey:     msg.DedupKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if msg.DedupKey != "" {
		s.active[msg.DedupKey] = msg.TaskID
	}

	return msg.TaskID, false, nil
}

// Get returns a copy of the status record.
func (s *MemoryStore) Get(ctx context.Context, taskID uuid.UUID) (*domain.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, taskID)
	}
	cp := *status
	return &cp, nil
}

// transition applies fn to the task if its current state is one of from,
// returning domain.ErrStaleTransition otherwise.
func (s *MemoryStore) transition(taskID uuid.UUID, from []domain.TaskState, fn func(*domain.TaskStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, taskID)
	}

	allowed := false
	for _, f := range from {
		if status.State == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: task %s is %s", domain.ErrStaleTransition, taskID, status.State)
	}

	fn(status)
	status.UpdatedAt = time.Now().UTC()

	if status.State.Terminal() && status.DedupKey != "" {
		if s.active[status.DedupKey] == taskID {
			delete(s.active, status.DedupKey)
		}
	}
	return nil
}

// MarkRunning transitions Queued -> Running.
func (s *MemoryStore) MarkRunning(ctx context.Context, taskID uuid.UUID, workerID string, attempt int) error {
	return s.transition(taskID, []domain.TaskState{domain.TaskStateQueued}, func(st *domain.TaskStatus) {
		st.State = domain.TaskStateRunning
		st.WorkerID = workerID
		st.AttemptCount = attempt
		st.StartedAt = time.Now().UTC()
		st.LastError = ""
	})
}

// MarkSucceeded transitions Running -> Succeeded.
func (s *MemoryStore) MarkSucceeded(ctx context.Context, taskID uuid.UUID) error {
	return s.transition(taskID, []domain.TaskState{domain.TaskStateRunning}, func(st *domain.TaskStatus) {
		st.State = domain.TaskStateSucceeded
		st.FinishedAt = time.Now().UTC()
	})
}

// MarkFailed transitions Running -> Failed.
func (s *MemoryStore) MarkFailed(ctx context.Context, taskID uuid.UUID, lastError string) error {
	return s.transition(taskID, []domain.TaskState{domain.TaskStateRunning}, func(st *domain.TaskStatus) {
		st.State = domain.TaskStateFailed
		st.LastError = lastError
		st.FinishedAt = time.Now().UTC()
	})
}

// MarkQueued transitions Running or Failed back to Queued for redelivery.
func (s *MemoryStore) MarkQueued(ctx context.Context, taskID uuid.UUID, reason string) error {
	from := []domain.TaskState{domain.TaskStateRunning, domain.TaskStateFailed}
	return s.transition(taskID, from, func(st *domain.TaskStatus) {
		st.State = domain.TaskStateQueued
		st.WorkerID = ""
		if reason != "" {
			st.LastError = reason
		}
	})
}

// MarkDeadLettered transitions any non-terminal state to DeadLettered.
func (s *MemoryStore) MarkDeadLettered(ctx context.Context, taskID uuid.UUID, lastError string) error {
	from := []domain.TaskState{
		domain.TaskStateQueued,
		domain.TaskStateRunning,
		domain.TaskStateFailed,
	}
	return s.transition(taskID, from, func(st *domain.TaskStatus) {
		st.State = domain.TaskStateDeadLettered
		st.LastError = lastError
		st.FinishedAt = time.Now().UTC()
	})
}

// CountByState returns task counts per state.
func (s *MemoryStore) CountByState(ctx context.Context) (map[domain.TaskState]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.TaskState]int64)
	for _, status := range s.tasks {
		counts[status.State]++
	}
	return counts, nil
}

// FindStale returns copies of Running tasks older than olderThan.
func (s *MemoryStore) FindStale(ctx context.Context, olderThan time.Duration) ([]*domain.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var stale []*domain.TaskStatus
	for _, status := range s.tasks {
		if status.State == domain.TaskStateRunning && status.StartedAt.Before(cutoff) {
			cp := *status
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

// ReconcileStartup resets Running tasks back to Queued.
func (s *MemoryStore) ReconcileStartup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int64
	for _, status := range s.tasks {
		if status.State == domain.TaskStateRunning {
			status.State = domain.TaskStateQueued
			status.WorkerID = ""
			status.LastError = "reset at startup reconciliation"
			status.UpdatedAt = time.Now().UTC()
			reset++
		}
	}
	return reset, nil
}

// PurgeTerminalBefore deletes terminal records last updated before cutoff.
func (s *MemoryStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, status := range s.tasks {
		if status.State.Terminal() && status.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			purged++
		}
	}
	return purged, nil
}
