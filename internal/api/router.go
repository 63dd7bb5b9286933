package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Inbound GitHub webhook (authenticated via HMAC signature, not JWT)
		r.Post("/webhooks/github", s.handleGitHubWebhook)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Deployment endpoints
			r.Route("/deployments", func(r chi.Router) {
				r.Get("/", s.handleListDeployments)
				r.With(s.requireWrite).Post("/", s.handleSubmitDeployment)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDeployment)
					r.With(s.requireWrite).Post("/cancel", s.handleCancelDeployment)
					r.With(s.requireWrite).Post("/rollback", s.handleRollbackDeployment)
				})
			})

			// Snapshot endpoints
			r.Route("/snapshots", func(r chi.Router) {
				r.Get("/", s.handleListSnapshots)
				r.With(s.requireWrite).Post("/", s.handleCreateSnapshot)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSnapshot)
					r.With(s.requireWrite).Delete("/", s.handleDeleteSnapshot)
					r.With(s.requireWrite).Post("/protect", s.handleProtectSnapshot)
					r.With(s.requireWrite).Post("/restore", s.handleRestoreSnapshot)
				})
			})

			// Target endpoints
			r.Route("/targets", func(r chi.Router) {
				r.Get("/", s.handleListTargets)
				r.With(s.requireWrite).Post("/", s.handleCreateTarget)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetTarget)
					r.With(s.requireWrite).Put("/", s.handleUpdateTarget)
					r.With(s.requireWrite).Delete("/", s.handleDeleteTarget)
				})
			})

			// Audit trail
			r.Get("/audit", s.handleListAudit)

			// WebSocket (auth via token query parameter, validated in handler)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
