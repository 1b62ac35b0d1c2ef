package api

import (
	"encoding/json"
	"time"

	"github.com/memgrid/memsched/internal/domain"
)

// SubmitTaskRequest is one task in a submission batch.
type SubmitTaskRequest struct {
	Label    string          `json:"label"     validate:"required"`
	UserID   string          `json:"user_id"   validate:"required"`
	CubeID   string          `json:"cube_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority,omitempty"`
	DedupKey string          `json:"dedup_key,omitempty"`
}

// SubmitTasksRequest is the body of POST /api/tasks.
type SubmitTasksRequest struct {
	Tasks []SubmitTaskRequest `json:"tasks" validate:"required,min=1,dive"`
}

// SubmitTasksResponse returns one task ID per submitted task, in order.
type SubmitTasksResponse struct {
	TaskIDs []string `json:"task_ids"`
}

// TaskStatusResponse is the body of GET /api/tasks/{id}.
type TaskStatusResponse struct {
	TaskID       string     `json:"task_id"`
	Label        string     `json:"label"`
	State        string     `json:"state"`
	LastError    string     `json:"last_error,omitempty"`
	WorkerID     string     `json:"worker_id,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func newTaskStatusResponse(st *domain.TaskStatus) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:       st.TaskID.String(),
		Label:        string(st.Label),
		State:        string(st.State),
		LastError:    st.LastError,
		WorkerID:     st.WorkerID,
		AttemptCount: st.AttemptCount,
		CreatedAt:    st.CreatedAt,
		UpdatedAt:    st.UpdatedAt,
	}
	if !st.StartedAt.IsZero() {
		started := st.StartedAt
		resp.StartedAt = &started
	}
	if !st.FinishedAt.IsZero() {
		finished := st.FinishedAt
		resp.FinishedAt = &finished
	}
	return resp
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	State         string `json:"state"`
	BackendHealth string `json:"backend_health"`
	Queued        int64  `json:"queued"`
	Running       int64  `json:"running"`
	DeadLettered  int64  `json:"dead_lettered"`
}
