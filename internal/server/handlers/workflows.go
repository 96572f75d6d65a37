package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/powerdaemonhq/powerdaemon/internal/server/middleware"
	"github.com/powerdaemonhq/powerdaemon/internal/workflow"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// WorkflowHandler handles deployment workflow requests.
type WorkflowHandler struct {
	orch *workflow.Orchestrator
	log  *logger.Logger
}

// NewWorkflowHandler creates a new WorkflowHandler.
func NewWorkflowHandler(orch *workflow.Orchestrator, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		orch: orch,
		log:  log.WithComponent("workflow-handler"),
	}
}

// Create creates a deployment workflow.
func (h *WorkflowHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req models.CreateWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	wf, err := h.orch.CreateWorkflow(ctx, &req, userID)
	if err != nil {
		h.log.Error("failed to create workflow", "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, wf)
}

// Get returns one workflow.
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workflow ID"})
		return
	}

	wf, err := h.orch.GetWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// List returns workflows matching the query filters.
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.WorkflowFilter{}

	if s := q.Get("status"); s != "" {
		status := models.WorkflowStatus(s)
		filter.Status = &status
	}
	if s := q.Get("strategy"); s != "" {
		strategy := models.DeploymentStrategy(s)
		filter.Strategy = &strategy
	}
	if s := q.Get("service"); s != "" {
		filter.ServiceName = &s
	}
	if s := q.Get("created_by"); s != "" {
		filter.CreatedBy = &s
	}

	workflows, err := h.orch.GetWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// Start starts a workflow.
func (h *WorkflowHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workflow ID"})
		return
	}

	wf, err := h.orch.StartWorkflow(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// Cancel cancels a running workflow.
func (h *WorkflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workflow ID"})
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &body)

	if err := h.orch.CancelWorkflow(r.Context(), id, middleware.GetUserID(r.Context()), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// Pause pauses a running workflow.
func (h *WorkflowHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workflow ID"})
		return
	}

	if err := h.orch.PauseWorkflow(r.Context(), id, middleware.GetUserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Resume resumes a paused workflow.
func (h *WorkflowHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workflow ID"})
		return
	}

	if err := h.orch.ResumeWorkflow(r.Context(), id, middleware.GetUserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// Rollback triggers a manual rollback.
func (h *WorkflowHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workflow ID"})
		return
	}

	var body struct {
		TargetVersion string `json:"targetVersion"`
	}
	_ = decodeBody(r, &body)

	wf, err := h.orch.RollbackWorkflow(r.Context(), id, middleware.GetUserID(r.Context()), body.TargetVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// Events returns the workflow event log.
func (h *WorkflowHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workflow ID"})
		return
	}

	events, err := h.orch.GetWorkflowEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// Stats returns workflow statistics over a time range (default 7 days).
func (h *WorkflowHandler) Stats(w http.ResponseWriter, r *http.Request) {
	until := time.Now()
	since := until.AddDate(0, 0, -7)

	q := r.URL.Query()
	if s := q.Get("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			since = t
		}
	}
	if s := q.Get("until"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			until = t
		}
	}

	stats, err := h.orch.GetStatistics(r.Context(), since, until)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
