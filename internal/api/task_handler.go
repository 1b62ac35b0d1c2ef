// Package api exposes the scheduler over HTTP: batch task submission,
// status lookup, health and stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/memgrid/memsched/internal/api/shared"
	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/scheduler"
	"github.com/memgrid/memsched/internal/state"
)

// Submitter is the slice of the scheduler the API consumes for task
// submission.
// Version: 1.0
type Submitter interface {
	SubmitMessages(ctx context.Context, msgs []*domain.ScheduleMessage) ([]uuid.UUID, error)
}

// HealthReporter exposes the scheduler's counter snapshot.
// Version: 1.0
type HealthReporter interface {
	Health() scheduler.Snapshot
}

// TaskHandler serves task submission and status lookup.
type TaskHandler struct {
	submitter Submitter
	store     state.Store
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(submitter Submitter, store state.Store, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		submitter: submitter,
		store:     store,
		validate:  validator.New(),
		logger:    logger.With(slog.String("component", "task_handler")),
	}
}

// Submit handles POST /api/tasks: it validates the batch, submits it to
// the scheduler, and responds 202 with the assigned task IDs.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	msgs := make([]*domain.ScheduleMessage, 0, len(req.Tasks))
	for _, task := range req.Tasks {
		msg, err := domain.NewScheduleMessage(
			domain.TaskLabel(task.Label), task.UserID, task.CubeID, nil)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		msg.Payload = task.Payload
		msg.Priority = task.Priority
		msg.DedupKey = task.DedupKey
		msgs = append(msgs, msg)
	}

	ids, err := h.submitter.SubmitMessages(r.Context(), msgs)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownLabel):
			shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrBackendUnavailable):
			shared.RespondWithError(w, r, http.StatusServiceUnavailable, "Queue backend unavailable")
		default:
			h.logger.Error("task submission failed",
				slog.String("trace_id", shared.GetTraceID(r.Context())),
				slog.String("error", err.Error()))
			shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to submit tasks")
		}
		return
	}

	resp := SubmitTasksResponse{TaskIDs: make([]string, 0, len(ids))}
	for _, id := range ids {
		resp.TaskIDs = append(resp.TaskIDs, id.String())
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, resp)
}

// Get handles GET /api/tasks/{id}: it returns the task's status record.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	status, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
			return
		}
		h.logger.Error("status lookup failed",
			slog.String("trace_id", shared.GetTraceID(r.Context())),
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Failed to look up task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, newTaskStatusResponse(status))
}
