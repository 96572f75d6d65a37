package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/bus"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/metrics"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// fingerprintLeaseTTL bounds the brief per-fingerprint lease taken while
// checking the index and inserting a new alert.
const fingerprintLeaseTTL = 10 * time.Second

// AlertStore owns alert state and drives the alert lifecycle. Alerts live
// in the cache; the active set and the fingerprint index guarantee at most
// one Active or Acknowledged alert per fingerprint.
type AlertStore struct {
	cache     cache.Cache
	publisher bus.Publisher
	log       *logger.Logger
	retention time.Duration
}

// NewAlertStore creates the alert store.
func NewAlertStore(c cache.Cache, publisher bus.Publisher, retentionDays int, log *logger.Logger) *AlertStore {
	return &AlertStore{
		cache:     c,
		publisher: publisher,
		log:       log.WithComponent("alert-store"),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// =============================================================================
// Storage helpers
// =============================================================================

func (s *AlertStore) save(ctx context.Context, alert *models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.cache.Set(ctx, cache.AlertKey(alert.ID.String()), string(data), s.retention); err != nil {
		return fmt.Errorf("store alert: %w", errdefs.ErrDependencyUnavailable)
	}
	return nil
}

// Get returns one alert.
func (s *AlertStore) Get(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	val, ok, err := s.cache.Get(ctx, cache.AlertKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("load alert: %w", errdefs.ErrDependencyUnavailable)
	}
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, errdefs.ErrNotFound)
	}
	var alert models.Alert
	if err := json.Unmarshal([]byte(val), &alert); err != nil {
		return nil, fmt.Errorf("unmarshal alert %s: %w", id, errdefs.ErrInternal)
	}
	return &alert, nil
}

// List returns alerts matching the filter, newest first.
func (s *AlertStore) List(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	keys, err := s.cache.Keys(ctx, "alert:*")
	if err != nil {
		return nil, fmt.Errorf("scan alerts: %w", errdefs.ErrDependencyUnavailable)
	}

	var alerts []*models.Alert
	for _, key := range keys {
		val, ok, err := s.cache.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var alert models.Alert
		if err := json.Unmarshal([]byte(val), &alert); err != nil {
			continue
		}
		if !matchesFilter(&alert, filter) {
			continue
		}
		alerts = append(alerts, &alert)
	}

	sortAlertsByCreated(alerts)

	if filter.Offset > 0 {
		if filter.Offset >= len(alerts) {
			return nil, nil
		}
		alerts = alerts[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(alerts) {
		alerts = alerts[:filter.Limit]
	}
	return alerts, nil
}

func matchesFilter(alert *models.Alert, f models.AlertFilter) bool {
	if f.Severity != nil && alert.Severity != *f.Severity {
		return false
	}
	if f.Status != nil && alert.Status != *f.Status {
		return false
	}
	if f.Category != nil && alert.Category != *f.Category {
		return false
	}
	if f.RuleID != nil && alert.RuleID != *f.RuleID {
		return false
	}
	if f.HostID != nil && (alert.HostID == nil || *alert.HostID != *f.HostID) {
		return false
	}
	return true
}

func sortAlertsByCreated(alerts []*models.Alert) {
	for i := 1; i < len(alerts); i++ {
		for j := i; j > 0 && alerts[j].CreatedAt.After(alerts[j-1].CreatedAt); j-- {
			alerts[j], alerts[j-1] = alerts[j-1], alerts[j]
		}
	}
}

// =============================================================================
// Creation and dedup
// =============================================================================

// CreateAlert creates an alert, deduplicating on fingerprint: when an Active
// or Acknowledged alert already owns the fingerprint, the observation is
// appended to it instead and the existing alert is returned.
func (s *AlertStore) CreateAlert(ctx context.Context, req *models.CreateAlertRequest) (*models.Alert, error) {
	fp := Fingerprint(req.RuleID, req.Metric, req.Filters)

	// Brief per-fingerprint lease makes check-index-then-insert a logical
	// compare-and-set against racing evaluator cycles.
	lease := cache.NewLease(s.cache, "alert_create_lock:"+fp, uuid.New().String(), fingerprintLeaseTTL)
	if err := lease.Acquire(ctx); err != nil {
		if err == cache.ErrLeaseHeld {
			return nil, fmt.Errorf("fingerprint %s busy: %w", fp, errdefs.ErrLeaseUnavailable)
		}
		return nil, fmt.Errorf("acquire fingerprint lease: %w", errdefs.ErrDependencyUnavailable)
	}
	defer func() { _ = lease.Release(ctx) }()

	if existing := s.findByFingerprint(ctx, fp); existing != nil &&
		(existing.Status == models.AlertStatusActive || existing.Status == models.AlertStatusAcknowledged) {
		s.appendDataPoint(existing, req.ActualValue)
		existing.ActualValue = req.ActualValue
		existing.UpdatedAt = time.Now()
		if err := s.save(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	now := time.Now()
	alert := &models.Alert{
		ID:          uuid.New(),
		Title:       req.Title,
		Message:     req.Message,
		Severity:    req.Severity,
		Category:    req.Category,
		HostID:      req.HostID,
		ServiceID:   req.ServiceID,
		RuleID:      req.RuleID,
		Threshold:   req.Threshold,
		ActualValue: req.ActualValue,
		Unit:        req.Unit,
		Tags:        req.Tags,
		DataPoints:  []models.AlertDataPoint{{Timestamp: now, Value: req.ActualValue}},
		Fingerprint: fp,
		Status:      models.AlertStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.save(ctx, alert); err != nil {
		return nil, err
	}
	if err := s.cache.SAdd(ctx, cache.KeyActiveAlerts, alert.ID.String()); err != nil {
		return nil, fmt.Errorf("index active alert: %w", errdefs.ErrDependencyUnavailable)
	}
	if err := s.cache.Set(ctx, cache.AlertFingerprintKey(fp), alert.ID.String(), s.retention); err != nil {
		return nil, fmt.Errorf("index fingerprint: %w", errdefs.ErrDependencyUnavailable)
	}
	if err := s.cache.Set(ctx, cache.ActiveAlertKey(fp), alert.ID.String(), cache.ActiveAlertLookupTTL); err != nil {
		s.log.Warn("failed to set hot fingerprint lookup", "fingerprint", fp, "error", err)
	}

	metrics.AlertsTriggered.WithLabelValues(string(alert.Severity)).Inc()
	s.publishEvent(ctx, bus.TopicAlertCreated, alert, "")
	s.log.Info("alert created", "alert_id", alert.ID, "rule_id", alert.RuleID, "severity", alert.Severity)
	return alert, nil
}

// findByFingerprint resolves the alert owning a fingerprint: the hot lookup
// first, then the durable index.
func (s *AlertStore) findByFingerprint(ctx context.Context, fp string) *models.Alert {
	for _, key := range []string{cache.ActiveAlertKey(fp), cache.AlertFingerprintKey(fp)} {
		idStr, ok, err := s.cache.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		alert, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		return alert
	}
	return nil
}

// FindActiveByRule returns the Active alert of a rule, or nil. The hot
// fingerprint lookup is consulted first, then the active set is scanned.
func (s *AlertStore) FindActiveByRule(ctx context.Context, rule *models.AlertRule) *models.Alert {
	fp := Fingerprint(rule.ID, rule.Condition.Metric, rule.Condition.Filters)
	if alert := s.findByFingerprint(ctx, fp); alert != nil && alert.Status == models.AlertStatusActive {
		return alert
	}

	ids, err := s.cache.SMembers(ctx, cache.KeyActiveAlerts)
	if err != nil {
		return nil
	}
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		alert, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if alert.RuleID == rule.ID && alert.Status == models.AlertStatusActive {
			return alert
		}
	}
	return nil
}

// AppendObservation adds a data point to an existing alert, keeping at most
// the latest hundred points.
func (s *AlertStore) AppendObservation(ctx context.Context, alert *models.Alert, value float64) error {
	s.appendDataPoint(alert, value)
	alert.ActualValue = value
	alert.UpdatedAt = time.Now()
	return s.save(ctx, alert)
}

func (s *AlertStore) appendDataPoint(alert *models.Alert, value float64) {
	alert.DataPoints = append(alert.DataPoints, models.AlertDataPoint{
		Timestamp: time.Now(),
		Value:     value,
	})
	if len(alert.DataPoints) > models.MaxAlertDataPoints {
		alert.DataPoints = alert.DataPoints[len(alert.DataPoints)-models.MaxAlertDataPoints:]
	}
}

// =============================================================================
// Lifecycle transitions
// =============================================================================

// AcknowledgeAlert marks an Active alert as acknowledged.
func (s *AlertStore) AcknowledgeAlert(ctx context.Context, id uuid.UUID, user, comment string) (*models.Alert, error) {
	alert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != models.AlertStatusActive {
		return nil, fmt.Errorf("cannot acknowledge alert in status %q: %w", alert.Status, errdefs.ErrInvalidState)
	}

	now := time.Now()
	alert.Status = models.AlertStatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, models.AlertAction{
		Action: "acknowledged", User: user, Comment: comment, Timestamp: now,
	})

	if err := s.save(ctx, alert); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, bus.TopicAlertAcknowledged, alert, user)
	return alert, nil
}

// ResolveAlert resolves an alert. Resolving an already Resolved alert is
// idempotent and returns the alert unchanged.
func (s *AlertStore) ResolveAlert(ctx context.Context, id uuid.UUID, user, comment string) (*models.Alert, error) {
	alert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertStatusResolved {
		return alert, nil
	}

	now := time.Now()
	alert.Status = models.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, models.AlertAction{
		Action: "resolved", User: user, Comment: comment, Timestamp: now,
	})

	if err := s.save(ctx, alert); err != nil {
		return nil, err
	}
	if err := s.cache.SRem(ctx, cache.KeyActiveAlerts, alert.ID.String()); err != nil {
		s.log.Warn("failed to remove alert from active set", "alert_id", alert.ID, "error", err)
	}
	_ = s.cache.Delete(ctx, cache.ActiveAlertKey(alert.Fingerprint), cache.AlertFingerprintKey(alert.Fingerprint))

	s.publishEvent(ctx, bus.TopicAlertResolved, alert, user)
	s.log.Info("alert resolved", "alert_id", alert.ID, "user", user)
	return alert, nil
}

// EscalateAlert raises the escalation level of an Active or Acknowledged
// alert.
func (s *AlertStore) EscalateAlert(ctx context.Context, id uuid.UUID, user, comment string) (*models.Alert, error) {
	alert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != models.AlertStatusActive && alert.Status != models.AlertStatusAcknowledged {
		return nil, fmt.Errorf("cannot escalate alert in status %q: %w", alert.Status, errdefs.ErrInvalidState)
	}

	now := time.Now()
	alert.EscalationLevel++
	alert.EscalatedAt = &now
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, models.AlertAction{
		Action: "escalated", User: user, Comment: comment, Timestamp: now,
	})

	if err := s.save(ctx, alert); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, bus.TopicAlertEscalated, alert, user)
	return alert, nil
}

// SuppressAlert silences an alert for a duration. A TTL key schedules the
// automatic unsuppression.
func (s *AlertStore) SuppressAlert(ctx context.Context, id uuid.UUID, duration time.Duration, reason string) (*models.Alert, error) {
	alert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertStatusResolved {
		return nil, fmt.Errorf("cannot suppress alert in status %q: %w", alert.Status, errdefs.ErrInvalidState)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("suppression duration must be positive: %w", errdefs.ErrInvalidConfiguration)
	}

	now := time.Now()
	alert.Status = models.AlertStatusSuppressed
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, models.AlertAction{
		Action: "suppressed", User: "system", Comment: reason, Timestamp: now,
	})

	if err := s.save(ctx, alert); err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, cache.AlertSuppressionKey(id.String()), reason, duration); err != nil {
		return nil, fmt.Errorf("set suppression marker: %w", errdefs.ErrDependencyUnavailable)
	}
	return alert, nil
}

// UnsuppressAlert reactivates a suppressed alert.
func (s *AlertStore) UnsuppressAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	alert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != models.AlertStatusSuppressed {
		return nil, fmt.Errorf("cannot unsuppress alert in status %q: %w", alert.Status, errdefs.ErrInvalidState)
	}

	now := time.Now()
	alert.Status = models.AlertStatusActive
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, models.AlertAction{
		Action: "unsuppressed", User: "system", Timestamp: now,
	})

	if err := s.save(ctx, alert); err != nil {
		return nil, err
	}
	_ = s.cache.Delete(ctx, cache.AlertSuppressionKey(id.String()))
	return alert, nil
}

// ExpireSuppressions reactivates suppressed alerts whose TTL marker has
// lapsed. Invoked by the cleanup worker.
func (s *AlertStore) ExpireSuppressions(ctx context.Context) {
	suppressed := models.AlertStatusSuppressed
	alerts, err := s.List(ctx, models.AlertFilter{Status: &suppressed})
	if err != nil {
		return
	}
	for _, alert := range alerts {
		_, present, err := s.cache.Get(ctx, cache.AlertSuppressionKey(alert.ID.String()))
		if err != nil || present {
			continue
		}
		if _, err := s.UnsuppressAlert(ctx, alert.ID); err != nil {
			s.log.Warn("failed to unsuppress alert", "alert_id", alert.ID, "error", err)
		}
	}
}

// AddComment appends a comment to the action log. Always allowed.
func (s *AlertStore) AddComment(ctx context.Context, id uuid.UUID, author, comment string) (*models.Alert, error) {
	alert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	alert.UpdatedAt = now
	alert.Actions = append(alert.Actions, models.AlertAction{
		Action: "commented", User: author, Comment: comment, Timestamp: now,
	})
	if err := s.save(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// RecordNotification appends a dispatch attempt to the notification log.
func (s *AlertStore) RecordNotification(ctx context.Context, id uuid.UUID, record models.AlertNotification) {
	alert, err := s.Get(ctx, id)
	if err != nil {
		return
	}
	alert.Notifications = append(alert.Notifications, record)
	alert.UpdatedAt = time.Now()
	if err := s.save(ctx, alert); err != nil {
		s.log.Warn("failed to record notification", "alert_id", id, "error", err)
	}
}

// CleanupExpiredAlerts removes Resolved alerts older than the retention
// window and returns the number removed.
func (s *AlertStore) CleanupExpiredAlerts(ctx context.Context) (int, error) {
	resolved := models.AlertStatusResolved
	alerts, err := s.List(ctx, models.AlertFilter{Status: &resolved})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0
	for _, alert := range alerts {
		if alert.ResolvedAt == nil || alert.ResolvedAt.After(cutoff) {
			continue
		}
		if err := s.cache.Delete(ctx, cache.AlertKey(alert.ID.String())); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

// Statistics summarizes current alerts.
func (s *AlertStore) Statistics(ctx context.Context) (*models.AlertStatistics, error) {
	alerts, err := s.List(ctx, models.AlertFilter{})
	if err != nil {
		return nil, err
	}

	stats := &models.AlertStatistics{
		BySeverity: make(map[models.AlertSeverity]int),
		ByStatus:   make(map[models.AlertStatus]int),
	}
	ruleCounts := make(map[string]int)
	for _, alert := range alerts {
		stats.Total++
		stats.BySeverity[alert.Severity]++
		stats.ByStatus[alert.Status]++
		ruleCounts[alert.RuleID]++
	}
	for ruleID, count := range ruleCounts {
		stats.TopRules = append(stats.TopRules, models.RuleAlertCount{RuleID: ruleID, Count: count})
	}
	return stats, nil
}

func (s *AlertStore) publishEvent(ctx context.Context, topic string, alert *models.Alert, user string) {
	if s.publisher == nil {
		return
	}
	event := bus.AlertEvent{
		AlertID:     alert.ID.String(),
		RuleID:      alert.RuleID,
		Fingerprint: alert.Fingerprint,
		Status:      string(alert.Status),
		Severity:    string(alert.Severity),
		Title:       alert.Title,
		User:        user,
		Timestamp:   time.Now(),
	}
	// Notification-path errors never affect alert state.
	if err := s.publisher.Publish(ctx, topic, alert.ID.String(), event); err != nil {
		s.log.Warn("failed to publish alert event", "topic", topic, "alert_id", alert.ID, "error", err)
	}
}
