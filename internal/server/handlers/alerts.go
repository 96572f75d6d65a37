package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/powerdaemonhq/powerdaemon/internal/alerting"
	"github.com/powerdaemonhq/powerdaemon/internal/server/middleware"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// AlertHandler handles alert lifecycle requests.
type AlertHandler struct {
	store *alerting.AlertStore
	log   *logger.Logger
}

// NewAlertHandler creates a new AlertHandler.
func NewAlertHandler(store *alerting.AlertStore, log *logger.Logger) *AlertHandler {
	return &AlertHandler{
		store: store,
		log:   log.WithComponent("alert-handler"),
	}
}

func alertID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// List returns alerts matching the query filters.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AlertFilter{}

	if s := q.Get("severity"); s != "" {
		severity := models.AlertSeverity(s)
		filter.Severity = &severity
	}
	if s := q.Get("status"); s != "" {
		status := models.AlertStatus(s)
		filter.Status = &status
	}
	if s := q.Get("category"); s != "" {
		filter.Category = &s
	}
	if s := q.Get("rule_id"); s != "" {
		filter.RuleID = &s
	}

	alerts, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// Get returns one alert.
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid alert ID"})
		return
	}

	alert, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Acknowledge acknowledges an alert.
func (h *AlertHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid alert ID"})
		return
	}

	var body struct {
		Comment string `json:"comment"`
	}
	_ = decodeBody(r, &body)

	alert, err := h.store.AcknowledgeAlert(r.Context(), id, middleware.GetUserID(r.Context()), body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Resolve resolves an alert.
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid alert ID"})
		return
	}

	var body struct {
		Comment string `json:"comment"`
	}
	_ = decodeBody(r, &body)

	alert, err := h.store.ResolveAlert(r.Context(), id, middleware.GetUserID(r.Context()), body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Escalate escalates an alert.
func (h *AlertHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid alert ID"})
		return
	}

	var body struct {
		Comment string `json:"comment"`
	}
	_ = decodeBody(r, &body)

	alert, err := h.store.EscalateAlert(r.Context(), id, middleware.GetUserID(r.Context()), body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Suppress suppresses an alert for a duration.
func (h *AlertHandler) Suppress(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid alert ID"})
		return
	}

	var body struct {
		Duration string `json:"duration"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	duration, err := time.ParseDuration(body.Duration)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid duration: " + body.Duration})
		return
	}

	alert, err := h.store.SuppressAlert(r.Context(), id, duration, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Unsuppress reactivates a suppressed alert.
func (h *AlertHandler) Unsuppress(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid alert ID"})
		return
	}

	alert, err := h.store.UnsuppressAlert(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Comment appends a comment to the alert action log.
func (h *AlertHandler) Comment(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid alert ID"})
		return
	}

	var body struct {
		Comment string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil || body.Comment == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "comment is required"})
		return
	}

	alert, err := h.store.AddComment(r.Context(), id, middleware.GetUserID(r.Context()), body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Stats returns alert statistics.
func (h *AlertHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
