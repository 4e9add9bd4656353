package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/pagevision/internal/observability"
	"github.com/spherical-ai/pagevision/internal/store"
)

// NewRouter creates the API router with all routes configured.
func NewRouter(logger *observability.Logger, jobs *Jobs, runs *store.RunRepository, defaults JobDefaults) http.Handler {
	r := chi.NewRouter()

	// Global middleware. No request timeout: the events endpoint holds its
	// connection open for the lifetime of a run.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORS([]string{"*"}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"pagevision"}`))
	})

	jobsHandler := NewJobsHandler(logger, jobs, defaults)
	runsHandler := NewRunsHandler(logger, runs)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobsHandler.Create)
			r.Get("/{jobID}", jobsHandler.Get)
			r.Get("/{jobID}/events", jobsHandler.Events)
			r.Post("/{jobID}/cancel", jobsHandler.Cancel)
		})

		r.Get("/runs", runsHandler.List)
		r.Get("/runs/{runID}", runsHandler.Get)
	})

	return r
}
