package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Coordination status
		r.Get("/status", h.Status)

		// Agents
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/agents/{id}", h.UnregisterAgent)
		r.Post("/agents/{id}/heartbeat", h.Heartbeat)

		// Tasks
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Delete("/tasks/{id}", h.CancelTask)

		// Resources
		r.Post("/resources", h.CreateResource)
		r.Get("/resources", h.ListResources)
		r.Delete("/resources/{id}", h.UnregisterResource)
		r.Post("/resources/{id}/release", h.ReleaseResource)

		// Conflicts
		r.Get("/conflicts", h.ListConflicts)
		r.Get("/conflicts/stats", h.ConflictStats)
		r.Get("/conflicts/{id}", h.GetConflict)
	})
}
