package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// newTestCache spins up a miniredis-backed cache.
func newTestCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisFromClient(client)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testOrchestratorConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		MaxConcurrentWorkflows:     10,
		MaxQueuedWorkflows:         50,
		HealthCheckIntervalSeconds: 30,
		WorkflowTimeoutMinutes:     1,
		PhaseTimeoutMinutes:        1,
		StepTimeoutMinutes:         1,
		MaxRetryAttempts:           2,
		RetryDelaySeconds:          0,
		EnableAutoRollback:         true,
		RollbackTimeoutMinutes:     1,
		WorkflowCleanupDays:        30,
	}
}

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*models.Workflow
	events    []*models.WorkflowEvent
}

func newMemStore() *memStore {
	return &memStore{workflows: make(map[uuid.UUID]*models.Workflow)}
}

func (s *memStore) Create(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *wf
	s.workflows[wf.ID] = &copied
	return nil
}

func (s *memStore) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, errdefs.ErrNotFound)
	}
	copied := *wf
	return &copied, nil
}

func (s *memStore) Update(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *wf
	s.workflows[wf.ID] = &copied
	return nil
}

func (s *memStore) List(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Workflow
	for _, wf := range s.workflows {
		copied := *wf
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memStore) ListByStatus(ctx context.Context, statuses ...models.WorkflowStatus) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Workflow
	for _, wf := range s.workflows {
		for _, status := range statuses {
			if wf.Status == status {
				copied := *wf
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) CountByStatus(ctx context.Context, status models.WorkflowStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, wf := range s.workflows {
		if wf.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *memStore) Statistics(ctx context.Context, since, until time.Time) (*models.WorkflowStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.WorkflowStatistics{
		ByStatus:   make(map[models.WorkflowStatus]int),
		ByStrategy: make(map[models.DeploymentStrategy]int),
		Since:      since,
		Until:      until,
	}
	for _, wf := range s.workflows {
		stats.Total++
		stats.ByStatus[wf.Status]++
		stats.ByStrategy[wf.Strategy]++
	}
	return stats, nil
}

func (s *memStore) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (s *memStore) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (s *memStore) ListEvents(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowEvent
	for _, ev := range s.events {
		if ev.WorkflowID == workflowID {
			copied := *ev
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) eventKinds(workflowID uuid.UUID) []models.WorkflowEventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kinds []models.WorkflowEventKind
	for _, ev := range s.events {
		if ev.WorkflowID == workflowID {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

// fakePublisher records published messages.
type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	failFor  map[string]int // topic -> remaining failures
}

type publishedMessage struct {
	Topic string
	Key   string
	Value any
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failFor: make(map[string]int)}
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if remaining, ok := p.failFor[topic]; ok && remaining > 0 {
		p.failFor[topic] = remaining - 1
		return fmt.Errorf("transient publish failure on %s", topic)
	}
	p.messages = append(p.messages, publishedMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) topicCount(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, m := range p.messages {
		if len(m.Topic) >= len(prefix) && m.Topic[:len(prefix)] == prefix {
			count++
		}
	}
	return count
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Topic
	}
	return out
}

// fakeProbe reports configurable per-host health.
type fakeProbe struct {
	mu        sync.Mutex
	unhealthy map[string]bool
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{unhealthy: make(map[string]bool)}
}

func (p *fakeProbe) setHealthy(host string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy[host] = !healthy
}

func (p *fakeProbe) Check(ctx context.Context, host, service string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.unhealthy[host], nil
}

// fakeLB records load balancer mutations.
type fakeLB struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (lb *fakeLB) AddServer(ctx context.Context, endpoint, apiKey, host string) error {
	return lb.record("add:" + host)
}

func (lb *fakeLB) RemoveServer(ctx context.Context, endpoint, apiKey, host string) error {
	return lb.record("remove:" + host)
}

func (lb *fakeLB) SetTrafficSplit(ctx context.Context, endpoint, apiKey string, hosts []string, percent float64) error {
	return lb.record(fmt.Sprintf("split:%.0f", percent))
}

func (lb *fakeLB) record(call string) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.fail {
		return fmt.Errorf("load balancer unavailable")
	}
	lb.calls = append(lb.calls, call)
	return nil
}

// instantWorker succeeds immediately.
type instantWorker struct{}

func (instantWorker) Execute(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	return "ok", nil
}

// failingWorker always fails.
type failingWorker struct{ msg string }

func (w failingWorker) Execute(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	return "", fmt.Errorf("%s", w.msg)
}

// testWorkers registers instant workers for every name planners emit.
func testWorkers() WorkerMap {
	names := []string{
		"package-validation", "pre-rolling-check", "smoke-test", "endpoint-validation",
		"post-deployment-check", "standby-validation", "traffic-validation",
		"parallel-deploy", "wave-monitor", "traffic-monitor", "canary-monitor",
		"deployment-cleanup", "environment-clean", "environment-snapshot", "canary-cleanup",
	}
	m := make(WorkerMap, len(names))
	for _, name := range names {
		m[name] = instantWorker{}
	}
	return m
}

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}
