// Package workflow implements the deployment orchestration engine: the
// workflow repository, strategy planners, the phase/step executor, the
// rollback engine and the orchestrator facade.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// Store is the persistence surface the executor, rollback engine and
// orchestrator consume. Repository implements it over PostgreSQL with a
// write-through cache mirror.
type Store interface {
	Create(ctx context.Context, wf *models.Workflow) error
	Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	Update(ctx context.Context, wf *models.Workflow) error
	List(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error)
	ListByStatus(ctx context.Context, statuses ...models.WorkflowStatus) ([]*models.Workflow, error)
	CountByStatus(ctx context.Context, status models.WorkflowStatus) (int, error)
	Statistics(ctx context.Context, since, until time.Time) (*models.WorkflowStatistics, error)
	CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error)
	AppendEvent(ctx context.Context, event *models.WorkflowEvent) error
	ListEvents(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowEvent, error)
}

// HealthProbe reports service health on a target host. Implementations talk
// to the agent fleet; the engine only polls.
type HealthProbe interface {
	// Check returns whether the service on host is healthy right now.
	Check(ctx context.Context, host, service string) (bool, error)
}

// waitHealthy polls the probe until the host reports healthy or the timeout
// expires. False negatives inside the window are retried, not surfaced.
func waitHealthy(ctx context.Context, probe HealthProbe, host, service string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		healthy, err := probe.Check(ctx, host, service)
		if err == nil && healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LoadBalancer mutates traffic routing for target hosts.
type LoadBalancer interface {
	// AddServer returns host to the serving pool.
	AddServer(ctx context.Context, endpoint, apiKey, host string) error
	// RemoveServer drains host out of the serving pool.
	RemoveServer(ctx context.Context, endpoint, apiKey, host string) error
	// SetTrafficSplit routes percent of traffic to the given hosts.
	SetTrafficSplit(ctx context.Context, endpoint, apiKey string, hosts []string, percent float64) error
}

// StepWorker executes a named external validation, cleanup or custom step.
type StepWorker interface {
	Execute(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error)
}

// WorkerRegistry resolves step workers by name.
type WorkerRegistry interface {
	Get(name string) (StepWorker, bool)
}

// WorkerMap is a static WorkerRegistry.
type WorkerMap map[string]StepWorker

// Get resolves a worker by name.
func (m WorkerMap) Get(name string) (StepWorker, bool) {
	w, ok := m[name]
	return w, ok
}
