package api

import (
	"log/slog"
	"net/http"

	"github.com/memgrid/memsched/internal/api/shared"
)

// HealthHandler serves the public health probe and the authenticated
// stats endpoint.
type HealthHandler struct {
	reporter HealthReporter
	logger   *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(reporter HealthReporter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		reporter: reporter,
		logger:   logger.With(slog.String("component", "health_handler")),
	}
}

// Health handles GET /health. It reports 200 while the scheduler runs
// and 503 otherwise, so load balancers can gate on the status code.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.reporter.Health()
	resp := HealthResponse{
		State:         snap.State,
		BackendHealth: string(snap.BackendHealth),
		Queued:        snap.Queued,
		Running:       snap.Running,
		DeadLettered:  snap.DeadLettered,
	}

	status := http.StatusOK
	if snap.State != "running" || snap.BackendHealth != "healthy" {
		status = http.StatusServiceUnavailable
	}
	shared.RespondWithJSON(w, r, status, resp)
}

// Stats handles GET /api/stats: the full counter snapshot including
// worker heartbeats.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.reporter.Health())
}
