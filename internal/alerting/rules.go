package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// RuleStore owns alert rule state. Rules live in the cache with a 30 day
// TTL; an in-memory index serves reads without a round-trip.
type RuleStore struct {
	cache cache.Cache
	log   *logger.Logger

	mu    sync.RWMutex
	index map[string]*models.AlertRule
}

// NewRuleStore creates a rule store and loads the existing rules.
func NewRuleStore(ctx context.Context, c cache.Cache, log *logger.Logger) (*RuleStore, error) {
	s := &RuleStore{
		cache: c,
		log:   log.WithComponent("rule-store"),
		index: make(map[string]*models.AlertRule),
	}
	if err := s.loadIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RuleStore) loadIndex(ctx context.Context) error {
	ids, err := s.cache.SMembers(ctx, cache.KeyAlertRules)
	if err != nil {
		return fmt.Errorf("load rule ids: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		val, ok, err := s.cache.Get(ctx, cache.AlertRuleKey(id))
		if err != nil || !ok {
			continue
		}
		var rule models.AlertRule
		if err := json.Unmarshal([]byte(val), &rule); err != nil {
			s.log.Warn("dropping unreadable rule", "rule_id", id, "error", err)
			continue
		}
		s.index[rule.ID] = &rule
	}
	s.log.Info("loaded alert rules", "count", len(s.index))
	return nil
}

// persist writes a rule to the cache and the index.
func (s *RuleStore) persist(ctx context.Context, rule *models.AlertRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	if err := s.cache.Set(ctx, cache.AlertRuleKey(rule.ID), string(data), cache.AlertRuleTTL); err != nil {
		return fmt.Errorf("store rule: %w", errdefs.ErrDependencyUnavailable)
	}
	if err := s.cache.SAdd(ctx, cache.KeyAlertRules, rule.ID); err != nil {
		return fmt.Errorf("index rule: %w", errdefs.ErrDependencyUnavailable)
	}

	s.mu.Lock()
	s.index[rule.ID] = rule
	s.mu.Unlock()
	return nil
}

// Create stores a new rule from a request.
func (s *RuleStore) Create(ctx context.Context, req *models.CreateAlertRuleRequest) (*models.AlertRule, error) {
	if err := validateRule(req); err != nil {
		return nil, err
	}

	now := time.Now()
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &models.AlertRule{
		ID:                   uuid.New().String(),
		Name:                 req.Name,
		Enabled:              enabled,
		Category:             req.Category,
		Severity:             req.Severity,
		Condition:            req.Condition,
		EvaluationInterval:   time.Duration(req.EvaluationIntervalS) * time.Second,
		EvaluationWindow:     time.Duration(req.EvaluationWindowS) * time.Second,
		MinimumDataPoints:    req.MinimumDataPoints,
		Tags:                 req.Tags,
		NotificationChannels: req.NotificationChannels,
		Suppressions:         req.Suppressions,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.persist(ctx, rule); err != nil {
		return nil, err
	}
	s.log.Info("alert rule created", "rule_id", rule.ID, "name", rule.Name)
	return rule, nil
}

// Get returns one rule.
func (s *RuleStore) Get(ctx context.Context, id string) (*models.AlertRule, error) {
	s.mu.RLock()
	rule, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("alert rule %s: %w", id, errdefs.ErrNotFound)
	}
	copied := *rule
	return &copied, nil
}

// List returns rules, optionally including disabled ones.
func (s *RuleStore) List(ctx context.Context, includeDisabled bool) []*models.AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AlertRule, 0, len(s.index))
	for _, rule := range s.index {
		if !includeDisabled && !rule.Enabled {
			continue
		}
		copied := *rule
		out = append(out, &copied)
	}
	return out
}

// Update replaces the mutable fields of a rule and bumps its version.
func (s *RuleStore) Update(ctx context.Context, id string, req *models.CreateAlertRuleRequest) (*models.AlertRule, error) {
	if err := validateRule(req); err != nil {
		return nil, err
	}

	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rule.Name = req.Name
	rule.Category = req.Category
	rule.Severity = req.Severity
	rule.Condition = req.Condition
	rule.EvaluationInterval = time.Duration(req.EvaluationIntervalS) * time.Second
	rule.EvaluationWindow = time.Duration(req.EvaluationWindowS) * time.Second
	rule.MinimumDataPoints = req.MinimumDataPoints
	rule.Tags = req.Tags
	rule.NotificationChannels = req.NotificationChannels
	rule.Suppressions = req.Suppressions
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.Version++
	rule.UpdatedAt = time.Now()

	if err := s.persist(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	if err := s.cache.Delete(ctx, cache.AlertRuleKey(id)); err != nil {
		return fmt.Errorf("delete rule: %w", errdefs.ErrDependencyUnavailable)
	}
	if err := s.cache.SRem(ctx, cache.KeyAlertRules, id); err != nil {
		return fmt.Errorf("unindex rule: %w", errdefs.ErrDependencyUnavailable)
	}

	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
	return nil
}

// SetEnabled flips the enabled flag and bumps the update time.
func (s *RuleStore) SetEnabled(ctx context.Context, id string, enabled bool) (*models.AlertRule, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.Enabled = enabled
	rule.Version++
	rule.UpdatedAt = time.Now()
	if err := s.persist(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Duplicate produces a fresh-id copy of a rule, initially disabled and
// tagged as duplicated.
func (s *RuleStore) Duplicate(ctx context.Context, id string) (*models.AlertRule, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	copied := *rule
	copied.ID = uuid.New().String()
	copied.Name = rule.Name + " (copy)"
	copied.Enabled = false
	copied.Tags = append(append([]string{}, rule.Tags...), "duplicated")
	copied.Version = 1
	copied.CreatedAt = now
	copied.UpdatedAt = now

	if err := s.persist(ctx, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}

// validateRule enforces the rule invariants: finite threshold and an
// evaluation interval no longer than the window.
func validateRule(req *models.CreateAlertRuleRequest) error {
	if req.Name == "" {
		return fmt.Errorf("rule name is required: %w", errdefs.ErrInvalidConfiguration)
	}
	if req.Condition.Metric == "" {
		return fmt.Errorf("condition metric is required: %w", errdefs.ErrInvalidConfiguration)
	}
	if req.EvaluationIntervalS <= 0 || req.EvaluationWindowS <= 0 {
		return fmt.Errorf("evaluation interval and window must be positive: %w", errdefs.ErrInvalidConfiguration)
	}
	if req.EvaluationIntervalS > req.EvaluationWindowS {
		return fmt.Errorf("evaluation interval exceeds window: %w", errdefs.ErrInvalidConfiguration)
	}
	if math.IsNaN(req.Condition.Threshold) || math.IsInf(req.Condition.Threshold, 0) {
		return fmt.Errorf("threshold must be finite: %w", errdefs.ErrInvalidConfiguration)
	}
	switch req.Condition.Aggregation {
	case models.AggregationAvg, models.AggregationSum, models.AggregationCount,
		models.AggregationMin, models.AggregationMax, models.AggregationP95, models.AggregationP99:
	default:
		return fmt.Errorf("unknown aggregation %q: %w", req.Condition.Aggregation, errdefs.ErrInvalidConfiguration)
	}
	switch req.Condition.Operator {
	case models.OperatorGreaterThan, models.OperatorGreaterOrEqual, models.OperatorLessThan,
		models.OperatorLessOrEqual, models.OperatorEqual, models.OperatorNotEqual:
	default:
		return fmt.Errorf("unknown operator %q: %w", req.Condition.Operator, errdefs.ErrInvalidConfiguration)
	}
	return nil
}

// =============================================================================
// Built-in rules
// =============================================================================

// SeedBuiltinRules installs the built-in rules keyed by stable ids. Seeding
// is idempotent: existing rules are left untouched so operator edits
// survive restarts.
func (s *RuleStore) SeedBuiltinRules(ctx context.Context, cfg config.AlertingConfig) error {
	for _, rule := range builtinRules(cfg) {
		if _, err := s.Get(ctx, rule.ID); err == nil {
			continue
		}
		if err := s.persist(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s: %w", rule.ID, err)
		}
		s.log.Info("seeded builtin rule", "rule_id", rule.ID)
	}
	return nil
}

func builtinRules(cfg config.AlertingConfig) []*models.AlertRule {
	now := time.Now()

	metricRule := func(id, name, metric string, t config.MetricThreshold, unitTag string) *models.AlertRule {
		return &models.AlertRule{
			ID:       id,
			Name:     name,
			Enabled:  true,
			Category: "resource",
			Severity: models.AlertSeverityWarning,
			Condition: models.AlertCondition{
				Metric:      metric,
				Operator:    models.OperatorGreaterThan,
				Threshold:   t.Warning,
				Aggregation: models.AggregationAvg,
			},
			EvaluationInterval: time.Minute,
			EvaluationWindow:   time.Duration(t.EvaluationWindowMinutes) * time.Minute,
			MinimumDataPoints:  t.MinimumDataPoints,
			Tags:               []string{"builtin", unitTag},
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}

	rules := []*models.AlertRule{
		metricRule("builtin-cpu-high", "High CPU usage", "cpu_usage_percent", cfg.CPU, "cpu"),
		metricRule("builtin-memory-high", "High memory usage", "memory_usage_percent", cfg.Memory, "memory"),
		metricRule("builtin-disk-high", "High disk usage", "disk_usage_percent", cfg.Disk, "disk"),
		metricRule("builtin-network-high", "High network utilization", "network_usage_percent", cfg.Network, "network"),
		{
			ID:       "builtin-deployment-failure-rate",
			Name:     "Deployment failure rate",
			Enabled:  true,
			Category: "deployment",
			Severity: models.AlertSeverityWarning,
			Condition: models.AlertCondition{
				Metric:      "deployment_failure_rate_percent",
				Operator:    models.OperatorGreaterThan,
				Threshold:   cfg.DeploymentFailureRateWarning,
				Aggregation: models.AggregationAvg,
			},
			EvaluationInterval: 5 * time.Minute,
			EvaluationWindow:   time.Hour,
			MinimumDataPoints:  1,
			Tags:               []string{"builtin", "deployment"},
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		{
			ID:       "builtin-service-response-time",
			Name:     "Slow service responses",
			Enabled:  true,
			Category: "service",
			Severity: models.AlertSeverityWarning,
			Condition: models.AlertCondition{
				Metric:      "service_response_time_ms",
				Operator:    models.OperatorGreaterThan,
				Threshold:   cfg.ServiceResponseTimeWarningMs,
				Aggregation: models.AggregationP95,
			},
			EvaluationInterval: time.Minute,
			EvaluationWindow:   10 * time.Minute,
			MinimumDataPoints:  5,
			Tags:               []string{"builtin", "latency"},
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
	}

	return rules
}
