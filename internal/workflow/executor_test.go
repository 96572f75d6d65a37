package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

type executorFixture struct {
	store     *memStore
	cache     cache.Cache
	publisher *fakePublisher
	probe     *fakeProbe
	lb        *fakeLB
	executor  *Executor
}

func newExecutorFixture(t *testing.T, workers WorkerMap) *executorFixture {
	t.Helper()
	log := testLogger()
	cfg := testOrchestratorConfig()

	store := newMemStore()
	c := newTestCache(t)
	publisher := newFakePublisher()
	probe := newFakeProbe()
	lb := &fakeLB{}

	steps := NewStepRunner(publisher, probe, lb, workers, log)
	rollback := NewRollbackEngine(store, publisher, probe, cfg, log)
	executor := NewExecutor(store, c, steps, rollback, cfg, log)

	return &executorFixture{
		store:     store,
		cache:     c,
		publisher: publisher,
		probe:     probe,
		lb:        lb,
		executor:  executor,
	}
}

func plannedWorkflow(t *testing.T, targets []string) *models.Workflow {
	t.Helper()
	p := &RollingPlanner{}
	req := rollingRequest(targets, nil)
	phases, err := p.Plan(req)
	require.NoError(t, err)

	wf := &models.Workflow{
		ID:            uuid.New(),
		Name:          "rolling billing-api",
		Strategy:      models.StrategyRolling,
		ServiceName:   req.ServiceName,
		Version:       req.Version,
		PackageURL:    req.PackageURL,
		TargetServers: targets,
		Status:        models.WorkflowStatusRunning,
		Phases:        phases,
		Timeout:       time.Minute,
	}
	return wf
}

func TestExecuteRollingHappyPath(t *testing.T) {
	f := newExecutorFixture(t, testWorkers())
	wf := plannedWorkflow(t, []string{"h1", "h2", "h3", "h4"})
	require.NoError(t, f.store.Create(context.Background(), wf))

	ok := f.executor.Execute(context.Background(), wf)

	require.True(t, ok)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
	assert.Equal(t, float64(100), wf.ProgressPercent)
	require.NotNil(t, wf.CompletedAt)

	// Exactly one deploy publication per target host.
	assert.Equal(t, 1, f.publisher.topicCount("deploy.h1"))
	assert.Equal(t, 1, f.publisher.topicCount("deploy.h2"))
	assert.Equal(t, 1, f.publisher.topicCount("deploy.h3"))
	assert.Equal(t, 1, f.publisher.topicCount("deploy.h4"))
	assert.Equal(t, 4, f.publisher.topicCount("deploy."))

	kinds := f.store.eventKinds(wf.ID)
	assert.Contains(t, kinds, models.EventWorkflowCompleted)
	assert.Contains(t, kinds, models.EventPhaseCompleted)
}

func TestExecuteProgressNeverDecreases(t *testing.T) {
	f := newExecutorFixture(t, testWorkers())
	wf := plannedWorkflow(t, []string{"h1", "h2"})
	wf.ProgressPercent = 40 // resumed workflow with prior progress
	require.NoError(t, f.store.Create(context.Background(), wf))

	ok := f.executor.Execute(context.Background(), wf)
	require.True(t, ok)
	assert.Equal(t, float64(100), wf.ProgressPercent)
}

func TestExecuteNonCriticalStepSkipped(t *testing.T) {
	workers := testWorkers()
	workers["deployment-cleanup"] = failingWorker{msg: "cleanup backend down"}

	f := newExecutorFixture(t, workers)
	wf := plannedWorkflow(t, []string{"h1"})
	require.NoError(t, f.store.Create(context.Background(), wf))

	ok := f.executor.Execute(context.Background(), wf)

	// The cleanup step is non-critical: the workflow still completes.
	require.True(t, ok)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)

	last := wf.Phases[len(wf.Phases)-1]
	require.Len(t, last.Steps, 1)
	assert.Equal(t, models.StepStatusSkipped, last.Steps[0].Status)
}

func TestExecuteCriticalFailureTriggersRollback(t *testing.T) {
	workers := testWorkers()
	workers["smoke-test"] = failingWorker{msg: "smoke test failed"}

	f := newExecutorFixture(t, workers)
	wf := plannedWorkflow(t, []string{"h1", "h2"})
	wf.Rollback = &models.RollbackPolicy{
		Enabled:           true,
		AutomaticRollback: true,
		TargetVersion:     "2.4.0",
	}
	require.NoError(t, f.store.Create(context.Background(), wf))

	ok := f.executor.Execute(context.Background(), wf)

	require.False(t, ok)
	assert.Equal(t, models.WorkflowStatusRolledBack, wf.Status)

	// Rollback fans out to the failed phase's wave targets.
	assert.Equal(t, 1, f.publisher.topicCount("rollback.h1"))
	assert.Equal(t, 1, f.publisher.topicCount("rollback.h2"))

	kinds := f.store.eventKinds(wf.ID)
	assert.Contains(t, kinds, models.EventRollbackStarted)
	assert.Contains(t, kinds, models.EventRollbackCompleted)
}

func TestExecuteFailureWithoutRollbackPolicy(t *testing.T) {
	workers := testWorkers()
	workers["smoke-test"] = failingWorker{msg: "smoke test failed"}

	f := newExecutorFixture(t, workers)
	wf := plannedWorkflow(t, []string{"h1"})
	wf.Rollback = nil
	require.NoError(t, f.store.Create(context.Background(), wf))

	ok := f.executor.Execute(context.Background(), wf)

	require.False(t, ok)
	assert.Equal(t, models.WorkflowStatusFailed, wf.Status)
	assert.NotEmpty(t, wf.Errors)
	assert.Equal(t, 0, f.publisher.topicCount("rollback."))
}

func TestExecuteStepRetryBudget(t *testing.T) {
	f := newExecutorFixture(t, testWorkers())

	// First deploy publish fails transiently, the retry succeeds.
	f.publisher.mu.Lock()
	f.publisher.failFor["deploy.h1"] = 1
	f.publisher.mu.Unlock()

	wf := plannedWorkflow(t, []string{"h1"})
	require.NoError(t, f.store.Create(context.Background(), wf))

	ok := f.executor.Execute(context.Background(), wf)
	require.True(t, ok)

	// Publications for the step never exceed maxRetries+1; here the retry
	// succeeded so exactly one message reached the bus.
	assert.Equal(t, 1, f.publisher.topicCount("deploy.h1"))
}

func TestExecuteCancellation(t *testing.T) {
	workers := testWorkers()
	workers["wave-monitor"] = slowWorker{delay: 5 * time.Second}

	f := newExecutorFixture(t, workers)
	wf := plannedWorkflow(t, []string{"h1", "h2", "h3", "h4"})
	require.NoError(t, f.store.Create(context.Background(), wf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- f.executor.Execute(ctx, wf) }()

	// Let the first phases run, then cancel during wave monitoring.
	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop after cancellation")
	}
	assert.Equal(t, models.WorkflowStatusCancelled, wf.Status)
}

func TestExecutePauseBlocksNextStep(t *testing.T) {
	old := pausePollInterval
	pausePollInterval = 20 * time.Millisecond
	defer func() { pausePollInterval = old }()

	f := newExecutorFixture(t, testWorkers())
	wf := plannedWorkflow(t, []string{"h1"})
	require.NoError(t, f.store.Create(context.Background(), wf))

	ctx := context.Background()
	pauseKey := cache.WorkflowPauseKey(wf.ID.String())
	require.NoError(t, f.cache.Set(ctx, pauseKey, "tester", time.Minute))

	done := make(chan bool, 1)
	go func() { done <- f.executor.Execute(ctx, wf) }()

	// While the marker is present no deploy command may be issued.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, f.publisher.topicCount("deploy."))

	require.NoError(t, f.cache.Delete(ctx, pauseKey))

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(10 * time.Second):
		t.Fatal("executor did not resume after pause cleared")
	}
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
	assert.Equal(t, 1, f.publisher.topicCount("deploy.h1"))
}

// slowWorker sleeps before succeeding, unless cancelled.
type slowWorker struct{ delay time.Duration }

func (w slowWorker) Execute(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	select {
	case <-time.After(w.delay):
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
