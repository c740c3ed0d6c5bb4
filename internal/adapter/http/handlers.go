package http

import (
	"net/http"
	"time"

	"github.com/hivegrid/hivegrid/internal/domain/agent"
	"github.com/hivegrid/hivegrid/internal/domain/resource"
	"github.com/hivegrid/hivegrid/internal/domain/task"
	"github.com/hivegrid/hivegrid/internal/port/executor"
	"github.com/hivegrid/hivegrid/internal/service"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// ExecutorFactory builds the executor used for an agent registered over
// the API. Production wiring returns a remote executor that sends the
// task to the agent's protocol endpoint.
type ExecutorFactory func(agentID string) executor.Executor

// Handlers holds the dependencies for all management API handlers.
type Handlers struct {
	delegation *service.DelegationManager
	conflicts  *service.ConflictManager
	executors  ExecutorFactory
}

func NewHandlers(delegation *service.DelegationManager, conflicts *service.ConflictManager, executors ExecutorFactory) *Handlers {
	return &Handlers{delegation: delegation, conflicts: conflicts, executors: executors}
}

// --- Agents ---

type registerAgentRequest struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[registerAgentRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, req.ID, "id") || !requireField(w, req.Name, "name") {
		return
	}

	profile := agent.NewProfile(req.ID, req.Name, req.Capabilities...)
	if req.MaxConcurrent > 0 {
		profile.MaxConcurrent = req.MaxConcurrent
	}
	h.delegation.RegisterAgent(profile, h.executors(req.ID))
	// The manager owns the registered profile; respond with a copy.
	writeJSON(w, http.StatusCreated, profile.Clone())
}

func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.delegation.Agents())
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	profile, err := h.delegation.Agent(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handlers) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	h.delegation.UnregisterAgent(urlParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	h.delegation.Touch(urlParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Tasks ---

type submitTaskRequest struct {
	Description          string         `json:"description"`
	Type                 string         `json:"type"`
	Priority             int            `json:"priority,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Inputs               map[string]any `json:"inputs,omitempty"`
	Deadline             *time.Time     `json:"deadline,omitempty"`
	EstimatedSeconds     int            `json:"estimated_seconds,omitempty"`
	MaxRetries           *int           `json:"max_retries,omitempty"`
}

func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[submitTaskRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, req.Description, "description") {
		return
	}

	t := task.NewRequest(req.Description, req.Type)
	if req.Priority >= int(task.PriorityCritical) && req.Priority <= int(task.PriorityLow) {
		t.Priority = task.Priority(req.Priority)
	}
	t.RequiredCapabilities = req.RequiredCapabilities
	if req.Inputs != nil {
		t.Inputs = req.Inputs
	}
	t.Deadline = req.Deadline
	t.EstimatedDuration = time.Duration(req.EstimatedSeconds) * time.Second
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}

	id, err := h.delegation.Submit(t)
	if err != nil {
		writeDomainError(w, err, "task not accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	status, err := h.delegation.TaskStatus(id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	out := map[string]any{"task_id": id, "status": status}
	if res, err := h.delegation.Result(id); err == nil {
		out["result"] = res
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.delegation.Cancel(id); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": task.StatusCancelled})
}

func (h *Handlers) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.delegation.Status())
}

// --- Resources ---

type createResourceRequest struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Capacity int    `json:"capacity"`
}

func (h *Handlers) CreateResource(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createResourceRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, req.ID, "id") {
		return
	}
	if req.Capacity <= 0 {
		writeError(w, http.StatusBadRequest, "capacity must be positive")
		return
	}

	res := resource.New(req.ID, req.Type, req.Capacity)
	h.conflicts.RegisterResource(res)
	writeJSON(w, http.StatusCreated, res.Snapshot())
}

func (h *Handlers) ListResources(w http.ResponseWriter, _ *http.Request) {
	resources := h.conflicts.Resources()
	out := make([]resource.Snapshot, 0, len(resources))
	for _, res := range resources {
		out = append(out, res.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) UnregisterResource(w http.ResponseWriter, r *http.Request) {
	if err := h.conflicts.UnregisterResource(urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "resource not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type releaseResourceRequest struct {
	AgentID string `json:"agent_id"`
	Amount  int    `json:"amount"`
}

func (h *Handlers) ReleaseResource(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[releaseResourceRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	res, err := h.conflicts.Resource(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "resource not found")
		return
	}
	if err := res.Release(req.Amount, req.AgentID); err != nil {
		writeDomainError(w, err, "release failed")
		return
	}
	writeJSON(w, http.StatusOK, res.Snapshot())
}

// --- Conflicts ---

func (h *Handlers) ListConflicts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.conflicts.ActiveCases())
}

func (h *Handlers) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.conflicts.Case(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) ConflictStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.conflicts.Stats())
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
