package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arizonacoders/claude-flow/internal/orchestrator"
	"github.com/arizonacoders/claude-flow/internal/session"
	"github.com/arizonacoders/claude-flow/internal/store"
)

// NewRouter builds the HTTP API. Auth is disabled when apiKey is empty.
func NewRouter(orch *orchestrator.Orchestrator, manager *session.Manager, st *store.SessionStore, db *store.DB, apiKey string, logger *slog.Logger) http.Handler {
	runs := NewRunHandler(orch, manager, st, logger)
	sessions := NewSessionHandler(manager, st)
	health := NewHealthHandler(db)

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	r.Get("/health", health.Health)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Post("/runs", runs.StartRun)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessions.List)
			r.Get("/{id}", sessions.Get)
			r.Get("/{id}/events", sessions.Events)
			r.Post("/{id}/resume", sessions.Resume)
			r.Post("/{id}/abort", sessions.Abort)
		})

		r.Get("/items/{number}/transitions", sessions.Transitions)
	})

	return r
}
