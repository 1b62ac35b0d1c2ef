package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the current state of a scheduled task.
type TaskState string

// Possible task states. Transitions form a path
// Queued -> Running -> {Succeeded | Failed -> Queued (retry) | DeadLettered};
// a task never returns to Running once it reaches a terminal state.
const (
	TaskStateQueued       TaskState = "queued"
	TaskStateRunning      TaskState = "running"
	TaskStateSucceeded    TaskState = "succeeded"
	TaskStateFailed       TaskState = "failed"
	TaskStateDeadLettered TaskState = "dead_lettered"
)

// Terminal reports whether the state is final. Terminal rows are retained
// for the audit window and then purged; nothing transitions out of them.
func (s TaskState) Terminal() bool {
	return s == TaskStateSucceeded || s == TaskStateDeadLettered
}

// CanTransitionTo reports whether moving from s to next is a legal
// state-machine step. State stores use this to guard compare-and-set
// transitions against stale redeliveries.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	switch s {
	case TaskStateQueued:
		return next == TaskStateRunning || next == TaskStateDeadLettered
	case TaskStateRunning:
		return next == TaskStateSucceeded || next == TaskStateFailed ||
			next == TaskStateDeadLettered || next == TaskStateQueued
	case TaskStateFailed:
		return next == TaskStateQueued || next == TaskStateDeadLettered
	default:
		// Succeeded and DeadLettered are terminal.
		return false
	}
}

// TaskLabel identifies the handler responsible for a task. Labels are a
// closed enumeration; submitting an unknown label dead-letters immediately.
type TaskLabel string

// The full set of task labels.
const (
	LabelQuery         TaskLabel = "query"
	LabelAnswer        TaskLabel = "answer"
	LabelAdd           TaskLabel = "add"
	LabelMemUpdate     TaskLabel = "mem_update"
	LabelMemRead       TaskLabel = "mem_read"
	LabelMemReorganize TaskLabel = "mem_reorganize"
	LabelPrefAdd       TaskLabel = "pref_add"
	LabelMemFeedback   TaskLabel = "mem_feedback"
)

// AllLabels lists every known task label, in no particular order.
func AllLabels() []TaskLabel {
	return []TaskLabel{
		LabelQuery,
		LabelAnswer,
		LabelAdd,
		LabelMemUpdate,
		LabelMemRead,
		LabelMemReorganize,
		LabelPrefAdd,
		LabelMemFeedback,
	}
}

// Valid reports whether the label belongs to the closed enumeration.
func (l TaskLabel) Valid() bool {
	switch l {
	case LabelQuery, LabelAnswer, LabelAdd, LabelMemUpdate,
		LabelMemRead, LabelMemReorganize, LabelPrefAdd, LabelMemFeedback:
		return true
	}
	return false
}

// ScheduleMessage is a unit of deferred work submitted to the scheduler.
// It is persisted to the state store at submission and carried through the
// queue backend until a worker acks or dead-letters it.
type ScheduleMessage struct {
	// TaskID uniquely identifies the task. Assigned at submission,
	// immutable afterwards.
	TaskID uuid.UUID `json:"task_id"`

	// Label selects the handler that will execute this task.
	Label TaskLabel `json:"label"`

	// UserID identifies the submitting user.
	UserID string `json:"user_id"`

	// CubeID identifies the memory cube the task operates on. It doubles
	// as the routing key: tasks sharing a cube are serialized onto the
	// same worker slot.
	CubeID string `json:"cube_id,omitempty"`

	// Payload holds the label-specific payload struct, JSON-encoded.
	Payload json.RawMessage `json:"payload,omitempty"`

	// SubmittedAt records when the message was accepted.
	SubmittedAt time.Time `json:"submitted_at"`

	// Priority orders messages within the ready queue of backends that
	// support it. Higher runs earlier. Optional.
	Priority int `json:"priority,omitempty"`

	// DedupKey, when set, guarantees at most one non-terminal task holds
	// the key at any time. Optional.
	DedupKey string `json:"dedup_key,omitempty"`

	// AttemptCount is the number of deliveries so far. It starts at 0 at
	// submission and reads 1 during the first execution.
	AttemptCount int `json:"attempt_count"`
}

// NewScheduleMessage creates a ScheduleMessage for the given label with a
// freshly assigned task ID. The payload is JSON-encoded; pass nil for
// labels that carry no payload.
func NewScheduleMessage(label TaskLabel, userID, cubeID string, payload any) (*ScheduleMessage, error) {
	if !label.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID cannot be empty", ErrValidation)
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		raw = b
	}

	return &ScheduleMessage{
		TaskID:      uuid.New(),
		Label:       label,
		UserID:      userID,
		CubeID:      cubeID,
		Payload:     raw,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// RoutingKey returns the key used for per-key ordering: the cube ID when
// present, falling back to the user ID, falling back to the task ID so
// every message has a stable non-empty key.
func (m *ScheduleMessage) RoutingKey() string {
	if m.CubeID != "" {
		return m.CubeID
	}
	if m.UserID != "" {
		return m.UserID
	}
	return m.TaskID.String()
}

// DecodePayload decodes the message payload into the provided struct.
func (m *ScheduleMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrValidation)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Validate checks the invariants a message must satisfy before submission.
func (m *ScheduleMessage) Validate() error {
	if m.TaskID == uuid.Nil {
		return fmt.Errorf("%w: task ID cannot be nil", ErrValidation)
	}
	if !m.Label.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownLabel, m.Label)
	}
	if m.UserID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrValidation)
	}
	if m.AttemptCount < 0 {
		return fmt.Errorf("%w: attempt count cannot be negative", ErrValidation)
	}
	return nil
}

// TaskStatus is the durable per-task status record kept in the state
// store. It backs crash recovery, status queries and dedup enforcement.
type TaskStatus struct {
	TaskID       uuid.UUID `json:"task_id"`
	Label        TaskLabel `json:"label"`
	State        TaskState `json:"state"`
	LastError    string    `json:"last_error,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	DedupKey     string    `json:"dedup_key,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
