package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisFromClient(client)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func testAlertingConfig() config.AlertingConfig {
	return config.AlertingConfig{
		EvaluationIntervalSeconds: 1,
		AlertRetentionDays:        30,
		CPU:                       config.MetricThreshold{Warning: 80, Critical: 95, EvaluationWindowMinutes: 5, MinimumDataPoints: 3},
		Memory:                    config.MetricThreshold{Warning: 85, Critical: 95, EvaluationWindowMinutes: 5, MinimumDataPoints: 3},
		Disk:                      config.MetricThreshold{Warning: 85, Critical: 95, EvaluationWindowMinutes: 15, MinimumDataPoints: 3},
		Network:                   config.MetricThreshold{Warning: 80, Critical: 95, EvaluationWindowMinutes: 5, MinimumDataPoints: 3},
		DeploymentFailureRateWarning: 10,
		ServiceResponseTimeWarningMs: 2000,
	}
}

// recordingPublisher captures alert lifecycle events.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

// fakeQuerier serves canned samples per metric.
type fakeQuerier struct {
	mu      sync.Mutex
	samples map[string][]float64
	err     error
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{samples: make(map[string][]float64)}
}

func (q *fakeQuerier) set(metric string, samples ...float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.samples[metric] = samples
}

func (q *fakeQuerier) Query(ctx context.Context, metric string, from, to time.Time, filters map[string]string) ([]float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	return q.samples[metric], nil
}

func newTestStores(t *testing.T) (*RuleStore, *AlertStore, *recordingPublisher, cache.Cache) {
	t.Helper()
	c := newTestCache(t)
	rules, err := NewRuleStore(context.Background(), c, testLogger())
	if err != nil {
		t.Fatalf("rule store: %v", err)
	}
	publisher := &recordingPublisher{}
	alerts := NewAlertStore(c, publisher, 30, testLogger())
	return rules, alerts, publisher, c
}

func cpuRuleRequest() *models.CreateAlertRuleRequest {
	return &models.CreateAlertRuleRequest{
		Name:     "High CPU",
		Category: "resource",
		Severity: models.AlertSeverityWarning,
		Condition: models.AlertCondition{
			Metric:      "cpu_usage_percent",
			Operator:    models.OperatorGreaterThan,
			Threshold:   80,
			Aggregation: models.AggregationAvg,
		},
		EvaluationIntervalS: 1,
		EvaluationWindowS:   300,
		MinimumDataPoints:   1,
	}
}
