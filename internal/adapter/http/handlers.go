package http

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/potentialgenie/teamflow/internal/adapter/ws"
	"github.com/potentialgenie/teamflow/internal/domain/agent"
	"github.com/potentialgenie/teamflow/internal/domain/workspace"
	"github.com/potentialgenie/teamflow/internal/port/database"
	"github.com/potentialgenie/teamflow/internal/resilience"
	"github.com/potentialgenie/teamflow/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Workspaces   *service.WorkspaceService
	Verification *service.VerificationService
	Synthesizer  *service.AssetSynthesizerService
	Store        database.Store
	Hub          *ws.Hub
	Pool         *pgxpool.Pool
	Breaker      *resilience.Breaker
}

// Health reports process liveness plus the state of the main dependencies.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "ok"
	if h.Pool != nil {
		if err := h.Pool.Ping(r.Context()); err != nil {
			dbStatus = "unreachable"
			status = "degraded"
		}
	}

	resp := map[string]any{
		"status":   status,
		"database": dbStatus,
	}
	if h.Breaker != nil {
		resp["llm_breaker"] = h.Breaker.State()
	}
	if h.Hub != nil {
		resp["ws_connections"] = h.Hub.ConnectionCount()
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// CreateWorkspace runs the full intake path: persist, extract goals, plan
// initial tasks.
func (h *Handlers) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[workspace.CreateRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Name, "name") || !requireField(w, req.GoalText, "goal_text") {
		return
	}

	created, err := h.Workspaces.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "workspace not created")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListWorkspaces returns all workspaces.
func (h *Handlers) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.Workspaces.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "workspaces not found")
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

// GetWorkspace returns one workspace.
func (h *Handlers) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Workspaces.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "workspace not found")
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// PauseWorkspace pauses task execution for a workspace. Corrective tasks
// still run.
func (h *Handlers) PauseWorkspace(w http.ResponseWriter, r *http.Request) {
	h.setWorkspaceStatus(w, r, workspace.StatusPaused)
}

// ResumeWorkspace resumes a paused or flagged workspace.
func (h *Handlers) ResumeWorkspace(w http.ResponseWriter, r *http.Request) {
	h.setWorkspaceStatus(w, r, workspace.StatusActive)
}

func (h *Handlers) setWorkspaceStatus(w http.ResponseWriter, r *http.Request, status workspace.Status) {
	id := urlParam(r, "id")
	if err := h.Workspaces.SetStatus(r.Context(), id, status); err != nil {
		writeDomainError(w, err, "workspace not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// ListGoals returns a workspace's goals.
func (h *Handlers) ListGoals(w http.ResponseWriter, r *http.Request) {
	goals, err := h.Store.ListGoals(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "goals not found")
		return
	}
	writeJSON(w, http.StatusOK, goals)
}

// ListTasks returns a workspace's tasks.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Store.ListTasks(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ListAgents returns a workspace's agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ListAgents(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agents not found")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type createAgentRequest struct {
	Name      string   `json:"name"`
	Role      string   `json:"role"`
	Seniority string   `json:"seniority"`
	Skills    []string `json:"skills"`
}

// CreateAgent adds a specialist to a workspace's team.
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createAgentRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Name, "name") || !requireField(w, req.Role, "role") {
		return
	}

	seniority := agent.Seniority(req.Seniority)
	if seniority == "" {
		seniority = agent.SenioritySenior
	}

	a := agent.Agent{
		WorkspaceID: urlParam(r, "id"),
		Name:        req.Name,
		Role:        req.Role,
		Seniority:   seniority,
		Skills:      req.Skills,
		Status:      agent.StatusAvailable,
	}
	if err := h.Store.CreateAgent(r.Context(), &a); err != nil {
		writeDomainError(w, err, "agent not created")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListDeliverables returns a workspace's deliverables.
func (h *Handlers) ListDeliverables(w http.ResponseWriter, r *http.Request) {
	deliverables, err := h.Store.ListDeliverables(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "deliverables not found")
		return
	}
	writeJSON(w, http.StatusOK, deliverables)
}

// GetTask returns one task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetTask(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ApproveTask approves a pending_verification task.
func (h *Handlers) ApproveTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Verification.Approve(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// RejectTask rejects a pending_verification task with a reason.
func (h *Handlers) RejectTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rejectRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Reason, "reason") {
		return
	}

	t, err := h.Verification.Reject(r.Context(), urlParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// SynthesizeGoal forces deliverable synthesis for a goal, for manual
// re-aggregation after corrective work.
func (h *Handlers) SynthesizeGoal(w http.ResponseWriter, r *http.Request) {
	goalID := urlParam(r, "id")
	g, err := h.Store.GetGoal(r.Context(), goalID)
	if err != nil {
		writeDomainError(w, err, "goal not found")
		return
	}

	d, err := h.Synthesizer.SynthesizeForGoal(r.Context(), g.WorkspaceID, goalID)
	if err != nil {
		writeDomainError(w, err, "no completed task output for goal")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
