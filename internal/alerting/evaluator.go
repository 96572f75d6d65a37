package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/metrics"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// MetricsQuerier is the aggregation query port into the time-series store.
// The engine never ingests metrics; it only reads windows of samples.
type MetricsQuerier interface {
	Query(ctx context.Context, metric string, from, to time.Time, filters map[string]string) ([]float64, error)
}

// cycleErrorBackoff delays the next cycle after an evaluation error.
const cycleErrorBackoff = 30 * time.Second

// Evaluator runs the scheduled alert rule evaluation loop. A single
// background worker owns all cycles; reentrancy is prevented by a
// process-wide mutex with a one second acquire timeout.
type Evaluator struct {
	rules    *RuleStore
	alerts   *AlertStore
	notifier *Dispatcher
	querier  MetricsQuerier
	cache    cache.Cache
	cfg      config.AlertingConfig
	log      *logger.Logger

	// Buffered-channel semaphore serving as the cycle mutex.
	sem chan struct{}
}

// NewEvaluator creates the evaluation engine.
func NewEvaluator(rules *RuleStore, alerts *AlertStore, notifier *Dispatcher, querier MetricsQuerier, c cache.Cache, cfg config.AlertingConfig, log *logger.Logger) *Evaluator {
	sem := make(chan struct{}, 1)
	sem <- struct{}{}
	return &Evaluator{
		rules:    rules,
		alerts:   alerts,
		notifier: notifier,
		querier:  querier,
		cache:    c,
		cfg:      cfg,
		log:      log.WithComponent("alert-evaluator"),
		sem:      sem,
	}
}

// Name implements the supervised worker contract.
func (e *Evaluator) Name() string { return "alert-evaluator" }

// Run executes evaluation cycles on the configured interval until the
// context is cancelled. Cycle errors are logged and backed off; they never
// crash the worker.
func (e *Evaluator) Run(ctx context.Context) error {
	interval := e.cfg.EvaluationInterval()
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("alert evaluator started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.EvaluateCycle(ctx); err != nil {
				e.log.Error("evaluation cycle failed", "error", err)
				metrics.EvaluationCycles.WithLabelValues("error").Inc()
				select {
				case <-time.After(cycleErrorBackoff):
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// EvaluateCycle runs one evaluation pass over all enabled rules. The cycle
// is skipped when the mutex cannot be acquired within one second.
func (e *Evaluator) EvaluateCycle(ctx context.Context) error {
	select {
	case <-e.sem:
	case <-time.After(time.Second):
		e.log.Warn("evaluation cycle skipped, previous cycle still running")
		metrics.EvaluationCycles.WithLabelValues("skipped").Inc()
		return nil
	case <-ctx.Done():
		return nil
	}
	defer func() { e.sem <- struct{}{} }()

	ctx, span := otel.Tracer("alert-evaluator").Start(ctx, "alerting.evaluate_cycle")
	defer span.End()

	start := time.Now()
	stats := models.EvaluationCycleStats{Timestamp: start}

	for _, rule := range e.rules.List(ctx, false) {
		if ctx.Err() != nil {
			break
		}
		triggered, resolved, err := e.evaluateRule(ctx, rule)
		if err != nil {
			e.log.Warn("rule evaluation failed", "rule_id", rule.ID, "error", err)
			continue
		}
		stats.RulesEvaluated++
		if triggered {
			stats.AlertsTriggered++
		}
		if resolved {
			stats.AlertsResolved++
		}
	}

	stats.Duration = time.Since(start)
	metrics.EvaluationCycles.WithLabelValues("completed").Inc()
	metrics.EvaluationDuration.Observe(stats.Duration.Seconds())
	e.recordHistory(ctx, stats)

	e.log.Debug("evaluation cycle completed",
		"rules", stats.RulesEvaluated,
		"triggered", stats.AlertsTriggered,
		"resolved", stats.AlertsResolved,
		"duration", stats.Duration,
	)
	return nil
}

// evaluateRule evaluates one rule and reports whether it triggered or
// auto-resolved an alert.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *models.AlertRule) (triggered, resolved bool, err error) {
	// Per-rule gate: skip rules evaluated more recently than their interval.
	lastEvalKey := cache.RuleLastEvalKey(rule.ID)
	if val, ok, err := e.cache.Get(ctx, lastEvalKey); err == nil && ok {
		if unix, err := strconv.ParseInt(val, 10, 64); err == nil {
			if time.Since(time.Unix(unix, 0)) < rule.EvaluationInterval {
				return false, false, nil
			}
		}
	}
	if err := e.cache.Set(ctx, lastEvalKey, strconv.FormatInt(time.Now().Unix(), 10), cache.RuleLastEvalTTL); err != nil {
		e.log.Warn("failed to record rule evaluation time", "rule_id", rule.ID, "error", err)
	}

	now := time.Now()
	samples, err := e.querier.Query(ctx, rule.Condition.Metric, now.Add(-rule.EvaluationWindow), now, rule.Condition.Filters)
	if err != nil {
		return false, false, fmt.Errorf("query %s: %w", rule.Condition.Metric, err)
	}

	// Missing or insufficient data never fires.
	if len(samples) == 0 || len(samples) < rule.MinimumDataPoints {
		return false, false, nil
	}

	value := Aggregate(rule.Condition.Aggregation, samples)

	if Compare(rule.Condition.Operator, value, rule.Condition.Threshold) {
		return e.fire(ctx, rule, value)
	}

	// Condition cleared: auto-resolve any Active alert of this rule.
	if existing := e.alerts.FindActiveByRule(ctx, rule); existing != nil {
		if _, err := e.alerts.ResolveAlert(ctx, existing.ID, "System", "Condition no longer met"); err != nil {
			return false, false, fmt.Errorf("auto-resolve alert %s: %w", existing.ID, err)
		}
		return false, true, nil
	}
	return false, false, nil
}

// fire creates or refreshes the alert for a firing rule.
func (e *Evaluator) fire(ctx context.Context, rule *models.AlertRule, value float64) (triggered, resolved bool, err error) {
	if existing := e.alerts.FindActiveByRule(ctx, rule); existing != nil {
		if err := e.alerts.AppendObservation(ctx, existing, value); err != nil {
			return false, false, err
		}
		return false, false, nil
	}

	alert, err := e.alerts.CreateAlert(ctx, &models.CreateAlertRequest{
		Title:       rule.Name,
		Message:     fmt.Sprintf("%s %s %.2f (observed %.2f)", rule.Condition.Metric, rule.Condition.Operator, rule.Condition.Threshold, value),
		Severity:    rule.Severity,
		Category:    rule.Category,
		RuleID:      rule.ID,
		Metric:      rule.Condition.Metric,
		Filters:     rule.Condition.Filters,
		Threshold:   rule.Condition.Threshold,
		ActualValue: value,
		Tags:        rule.Tags,
	})
	if err != nil {
		return false, false, err
	}

	if e.notifier != nil && len(rule.NotificationChannels) > 0 {
		e.notifier.DispatchAsync(alert, rule.NotificationChannels)
	}
	return true, false, nil
}

// TestRule evaluates a rule immediately without touching alert state and
// reports whether it would fire.
func (e *Evaluator) TestRule(ctx context.Context, rule *models.AlertRule) (bool, float64, error) {
	now := time.Now()
	samples, err := e.querier.Query(ctx, rule.Condition.Metric, now.Add(-rule.EvaluationWindow), now, rule.Condition.Filters)
	if err != nil {
		return false, 0, err
	}
	if len(samples) == 0 || len(samples) < rule.MinimumDataPoints {
		return false, 0, nil
	}
	value := Aggregate(rule.Condition.Aggregation, samples)
	return Compare(rule.Condition.Operator, value, rule.Condition.Threshold), value, nil
}

// recordHistory pushes cycle metrics into the hourly history list.
func (e *Evaluator) recordHistory(ctx context.Context, stats models.EvaluationCycleStats) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	key := cache.EvaluationHistoryKey(stats.Timestamp)
	if err := e.cache.RPush(ctx, key, string(data)); err != nil {
		e.log.Warn("failed to record evaluation history", "error", err)
		return
	}
	if err := e.cache.Expire(ctx, key, cache.EvaluationHistoryTTL); err != nil {
		e.log.Warn("failed to expire evaluation history", "error", err)
	}
}
