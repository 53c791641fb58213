package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the API router with the standard middleware stack.
func NewRouter(h *Handlers, corsOrigin string) chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(CORS(corsOrigin))

	r.Get("/healthz", h.Health)
	if h.Hub != nil {
		r.Get("/ws", h.Hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Workspaces (intake + lifecycle)
		r.Get("/workspaces", h.ListWorkspaces)
		r.Post("/workspaces", h.CreateWorkspace)
		r.Get("/workspaces/{id}", h.GetWorkspace)
		r.Post("/workspaces/{id}/pause", h.PauseWorkspace)
		r.Post("/workspaces/{id}/resume", h.ResumeWorkspace)

		// Workspace-scoped reads
		r.Get("/workspaces/{id}/goals", h.ListGoals)
		r.Get("/workspaces/{id}/tasks", h.ListTasks)
		r.Get("/workspaces/{id}/agents", h.ListAgents)
		r.Post("/workspaces/{id}/agents", h.CreateAgent)
		r.Get("/workspaces/{id}/deliverables", h.ListDeliverables)

		// Tasks (human verification)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/approve", h.ApproveTask)
		r.Post("/tasks/{id}/reject", h.RejectTask)

		// Goals (manual re-synthesis)
		r.Post("/goals/{id}/synthesize", h.SynthesizeGoal)
	})

	return r
}
