package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/powerdaemonhq/powerdaemon/internal/workflow"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/database"
)

// HealthHandler handles readiness and orchestrator health endpoints.
type HealthHandler struct {
	db        *database.DB
	cache     cache.Cache
	orch      *workflow.Orchestrator
	version   string
	gitCommit string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db *database.DB, c cache.Cache, orch *workflow.Orchestrator, version, gitCommit string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		cache:     c,
		orch:      orch,
		version:   version,
		gitCommit: gitCommit,
	}
}

// Readiness reports the health of the daemon's dependencies.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := h.db.Health(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if err := h.cache.Ping(ctx); err != nil {
		checks["cache"] = err.Error()
		healthy = false
	} else {
		checks["cache"] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	writeJSON(w, status, map[string]any{
		"status":    state,
		"version":   h.version,
		"gitCommit": h.gitCommit,
		"checks":    checks,
	})
}

// Orchestrator reports the orchestrator health contract.
func (h *HealthHandler) Orchestrator(w http.ResponseWriter, r *http.Request) {
	health, err := h.orch.GetHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
