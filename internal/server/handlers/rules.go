package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/powerdaemonhq/powerdaemon/internal/alerting"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// RuleHandler handles alert rule CRUD requests.
type RuleHandler struct {
	rules     *alerting.RuleStore
	evaluator *alerting.Evaluator
	log       *logger.Logger
}

// NewRuleHandler creates a new RuleHandler.
func NewRuleHandler(rules *alerting.RuleStore, evaluator *alerting.Evaluator, log *logger.Logger) *RuleHandler {
	return &RuleHandler{
		rules:     rules,
		evaluator: evaluator,
		log:       log.WithComponent("rule-handler"),
	}
}

// List returns all rules.
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("include_disabled") == "true"
	rules := h.rules.List(r.Context(), includeDisabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// Create creates a rule.
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAlertRuleRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	rule, err := h.rules.Create(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// Get returns one rule.
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Update replaces a rule.
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAlertRuleRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	rule, err := h.rules.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Delete removes a rule.
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// Enable enables a rule.
func (h *RuleHandler) Enable(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.SetEnabled(r.Context(), chi.URLParam(r, "id"), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Disable disables a rule.
func (h *RuleHandler) Disable(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.SetEnabled(r.Context(), chi.URLParam(r, "id"), false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Test evaluates a rule immediately and reports whether it would fire.
func (h *RuleHandler) Test(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	wouldFire, value, err := h.evaluator.TestRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ruleId":    rule.ID,
		"wouldFire": wouldFire,
		"value":     value,
		"threshold": rule.Condition.Threshold,
	})
}

// Duplicate produces a disabled copy of a rule.
func (h *RuleHandler) Duplicate(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Duplicate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}
