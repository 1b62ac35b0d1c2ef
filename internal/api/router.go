package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apimiddleware "github.com/memgrid/memsched/internal/api/middleware"
)

// RouterDeps carries everything the router needs.
type RouterDeps struct {
	Tasks  *TaskHandler
	Health *HealthHandler
	Auth   *apimiddleware.AuthMiddleware
}

// NewRouter builds the HTTP router. Task submission and status routes
// require a bearer token; the health probe is public.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.TraceMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Post("/tasks", deps.Tasks.Submit)
		r.Get("/tasks/{id}", deps.Tasks.Get)
		r.Get("/stats", deps.Health.Stats)
	})

	r.Get("/health", deps.Health.Health)

	return r
}
