package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/platform/logger"
	"github.com/memgrid/memsched/internal/store"
)

// StateStore implements the state.Store interface using PostgreSQL.
// Dedup-key uniqueness among non-terminal tasks is enforced by a partial
// unique index, and every state transition is a compare-and-set guarded
// by the expected prior state in the UPDATE's WHERE clause.
type StateStore struct {
	db store.DBTX
}

// NewStateStore creates a new StateStore.
func NewStateStore(db store.DBTX) *StateStore {
	return &StateStore{db: db}
}

// nonTerminalStates are the states a task can still leave.
var nonTerminalStates = []domain.TaskState{
	domain.TaskStateQueued,
	domain.TaskStateRunning,
	domain.TaskStateFailed,
}

// Create persists the message as a Queued task. A unique violation on the
// partial dedup index means a non-terminal task already holds the key; in
// that case the holder's ID is returned instead.
func (s *StateStore) Create(ctx context.Context, msg *domain.ScheduleMessage) (uuid.UUID, bool, error) {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO tasks (id, label, state, attempt_count, dedup_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $6)
	`

	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, query,
		msg.TaskID,
		msg.Label,
		domain.TaskStateQueued,
		msg.AttemptCount,
		msg.DedupKey,
		now,
	)
	if err == nil {
		return msg.TaskID, false, nil
	}

	if !IsUniqueViolation(err) {
		log.Error("failed to create task record",
			"task_id", msg.TaskID,
			"label", msg.Label,
			"error", err)
		return uuid.Nil, false, fmt.Errorf("failed to create task record: %w", MapError(err))
	}

	// Someone holds the dedup key. Resolve the submission to the holder.
	holder, lookupErr := s.findActiveByDedupKey(ctx, msg.DedupKey)
	if lookupErr != nil {
		return uuid.Nil, false, fmt.Errorf("%w: dedup key %q held but holder not found: %v",
			domain.ErrDuplicateTask, msg.DedupKey, lookupErr)
	}
	return holder, true, nil
}

// findActiveByDedupKey returns the non-terminal task holding the key.
func (s *StateStore) findActiveByDedupKey(ctx context.Context, key string) (uuid.UUID, error) {
	query := `
		SELECT id FROM tasks
		WHERE dedup_key = $1 AND state = ANY($2)
		LIMIT 1
	`

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, query, key, stateStrings(nonTerminalStates)).Scan(&id)
	if err != nil {
		return uuid.Nil, MapError(err)
	}
	return id, nil
}

// Get returns the status record for the task.
func (s *StateStore) Get(ctx context.Context, taskID uuid.UUID) (*domain.TaskStatus, error) {
	query := `
		SELECT id, label, state, COALESCE(last_error, ''), COALESCE(worker_id, ''),
		       attempt_count, COALESCE(dedup_key, ''), started_at, finished_at,
		       created_at, updated_at
		FROM tasks
		WHERE id = $1
	`

	var (
		status     domain.TaskStatus
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&status.TaskID,
		&status.Label,
		&status.State,
		&status.LastError,
		&status.WorkerID,
		&status.AttemptCount,
		&status.DedupKey,
		&startedAt,
		&finishedAt,
		&status.CreatedAt,
		&status.UpdatedAt,
	)
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}

	status.StartedAt = startedAt.Time
	status.FinishedAt = finishedAt.Time
	return &status, nil
}

// casTransition runs an UPDATE guarded by the expected prior states and
// maps an unmatched row to ErrStaleTransition (or ErrNotFound when the
// task does not exist at all).
func (s *StateStore) casTransition(
	ctx context.Context,
	taskID uuid.UUID,
	from []domain.TaskState,
	setClause string,
	args ...any,
) error {
	query := fmt.Sprintf(`
		UPDATE tasks
		SET %s, updated_at = NOW()
		WHERE id = $1 AND state = ANY($2)
	`, setClause)

	allArgs := append([]any{taskID, stateStrings(from)}, args...)

	result, err := s.db.ExecContext(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "task"); err != nil {
		if !store.IsNotFoundError(err) {
			return err
		}
		// Distinguish a missing row from a failed guard.
		current, getErr := s.Get(ctx, taskID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: task %s is %s", domain.ErrStaleTransition, taskID, current.State)
	}
	return nil
}

// MarkRunning transitions Queued -> Running.
func (s *StateStore) MarkRunning(ctx context.Context, taskID uuid.UUID, workerID string, attempt int) error {
	return s.casTransition(ctx, taskID,
		[]domain.TaskState{domain.TaskStateQueued},
		`state = $3, worker_id = $4, attempt_count = $5, started_at = NOW(), last_error = NULL`,
		domain.TaskStateRunning, workerID, attempt,
	)
}

// MarkSucceeded transitions Running -> Succeeded.
func (s *StateStore) MarkSucceeded(ctx context.Context, taskID uuid.UUID) error {
	return s.casTransition(ctx, taskID,
		[]domain.TaskState{domain.TaskStateRunning},
		`state = $3, finished_at = NOW()`,
		domain.TaskStateSucceeded,
	)
}

// MarkFailed transitions Running -> Failed.
func (s *StateStore) MarkFailed(ctx context.Context, taskID uuid.UUID, lastError string) error {
	return s.casTransition(ctx, taskID,
		[]domain.TaskState{domain.TaskStateRunning},
		`state = $3, last_error = $4, finished_at = NOW()`,
		domain.TaskStateFailed, lastError,
	)
}

// MarkQueued transitions Running or Failed back to Queued for redelivery.
func (s *StateStore) MarkQueued(ctx context.Context, taskID uuid.UUID, reason string) error {
	return s.casTransition(ctx, taskID,
		[]domain.TaskState{domain.TaskStateRunning, domain.TaskStateFailed},
		`state = $3, worker_id = NULL, last_error = NULLIF($4, '')`,
		domain.TaskStateQueued, reason,
	)
}

// MarkDeadLettered transitions any non-terminal state to DeadLettered.
func (s *StateStore) MarkDeadLettered(ctx context.Context, taskID uuid.UUID, lastError string) error {
	return s.casTransition(ctx, taskID,
		nonTerminalStates,
		`state = $3, last_error = $4, finished_at = NOW()`,
		domain.TaskStateDeadLettered, lastError,
	)
}

// CountByState returns task counts per state.
func (s *StateStore) CountByState(ctx context.Context) (map[domain.TaskState]int64, error) {
	query := `SELECT state, COUNT(*) FROM tasks GROUP BY state`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by state: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.TaskState]int64)
	for rows.Next() {
		var (
			state domain.TaskState
			count int64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count row: %w", err)
		}
		counts[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state count rows: %w", err)
	}
	return counts, nil
}

// FindStale returns Running tasks started before now minus olderThan.
func (s *StateStore) FindStale(ctx context.Context, olderThan time.Duration) ([]*domain.TaskStatus, error) {
	query := `
		SELECT id FROM tasks
		WHERE state = $1 AND started_at < $2
		ORDER BY started_at ASC
	`

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, query, domain.TaskStateRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stale task row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale task rows: %w", err)
	}

	stale := make([]*domain.TaskStatus, 0, len(ids))
	for _, id := range ids {
		status, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		stale = append(stale, status)
	}
	return stale, nil
}

// ReconcileStartup resets every Running task back to Queued.
func (s *StateStore) ReconcileStartup(ctx context.Context) (int64, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET state = $1, worker_id = NULL, last_error = $2, updated_at = NOW()
		WHERE state = $3
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStateQueued,
		"reset at startup reconciliation",
		domain.TaskStateRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile running tasks: %w", MapError(err))
	}

	reset, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if reset > 0 {
		log.Info("reset orphaned running tasks", "count", reset)
	}
	return reset, nil
}

// PurgeTerminalBefore deletes terminal records last updated before cutoff.
func (s *StateStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM tasks
		WHERE state = ANY($1) AND updated_at < $2
	`

	terminal := []domain.TaskState{domain.TaskStateSucceeded, domain.TaskStateDeadLettered}
	result, err := s.db.ExecContext(ctx, query, stateStrings(terminal), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal tasks: %w", MapError(err))
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return purged, nil
}

// stateStrings converts states to the string slice form pgx binds to a
// text array parameter.
func stateStrings(states []domain.TaskState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
