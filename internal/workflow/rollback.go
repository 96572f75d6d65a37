package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/bus"
	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/metrics"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// RollbackEngine fans rollback commands out to target hosts in parallel and
// health-gates each of them. Success is conjunctive: every host must report
// healthy within the health check timeout. The engine itself never retries;
// reinvocation is the caller's responsibility.
type RollbackEngine struct {
	repo      Store
	publisher bus.Publisher
	probe     HealthProbe
	cfg       config.OrchestratorConfig
	log       *logger.Logger
}

// NewRollbackEngine creates a rollback engine.
func NewRollbackEngine(repo Store, publisher bus.Publisher, probe HealthProbe, cfg config.OrchestratorConfig, log *logger.Logger) *RollbackEngine {
	return &RollbackEngine{
		repo:      repo,
		publisher: publisher,
		probe:     probe,
		cfg:       cfg,
		log:       log.WithComponent("rollback-engine"),
	}
}

// timeout resolves the rollback deadline for a workflow.
func (r *RollbackEngine) timeout(wf *models.Workflow) time.Duration {
	if wf.Rollback != nil && wf.Rollback.Timeout > 0 {
		return wf.Rollback.Timeout
	}
	return r.cfg.RollbackTimeout()
}

// targetVersion resolves the version to roll back to: the explicit request,
// else the policy, else the previous version known to the agents.
func (r *RollbackEngine) targetVersion(wf *models.Workflow, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if wf.Rollback != nil && wf.Rollback.TargetVersion != "" {
		return wf.Rollback.TargetVersion
	}
	return "previous"
}

// Run rolls the targets back and waits for all of them to become healthy.
func (r *RollbackEngine) Run(ctx context.Context, wf *models.Workflow, targets []string, explicitVersion string) error {
	log := r.log.WithWorkflow(wf.ID.String())
	version := r.targetVersion(wf, explicitVersion)

	healthTimeout := r.timeout(wf)
	if wf.Rollback != nil && wf.Rollback.HealthCheckTimeout > 0 {
		healthTimeout = wf.Rollback.HealthCheckTimeout
	}

	r.appendEvent(ctx, wf, models.EventRollbackStarted,
		fmt.Sprintf("rollback to %q started on %d hosts", version, len(targets)))
	log.Info("rollback started", "version", version, "hosts", len(targets))

	var wg sync.WaitGroup
	errs := make([]error, len(targets))

	for i, host := range targets {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			errs[i] = r.rollbackHost(ctx, wf, host, version, healthTimeout)
		}(i, host)
	}
	wg.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", targets[i], err))
		}
	}

	if len(failed) > 0 {
		metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		r.appendEvent(ctx, wf, models.EventRollbackFailed,
			fmt.Sprintf("rollback failed on %d/%d hosts: %v", len(failed), len(targets), failed))
		return fmt.Errorf("rollback failed on %d hosts: %w", len(failed), errdefs.ErrInternal)
	}

	metrics.RollbacksTotal.WithLabelValues("completed").Inc()
	r.appendEvent(ctx, wf, models.EventRollbackCompleted,
		fmt.Sprintf("rollback to %q completed on %d hosts", version, len(targets)))
	log.Info("rollback completed", "version", version)
	return nil
}

// rollbackHost issues the rollback command for one host and waits for its
// healthy signal.
func (r *RollbackEngine) rollbackHost(ctx context.Context, wf *models.Workflow, host, version string, healthTimeout time.Duration) error {
	cmd := bus.RollbackCommand{
		DeploymentID:   wf.ID.String(),
		TargetServerID: host,
		ServiceName:    wf.ServiceName,
		TargetVersion:  version,
		WorkflowID:     wf.ID.String(),
	}
	if err := r.publisher.Publish(ctx, bus.RollbackTopic(host), wf.ID.String(), cmd); err != nil {
		return fmt.Errorf("publish rollback command: %w", errdefs.ErrDependencyUnavailable)
	}

	if err := waitHealthy(ctx, r.probe, host, wf.ServiceName, healthTimeout, 5*time.Second); err != nil {
		return fmt.Errorf("not healthy after rollback: %w", errdefs.ErrTimeout)
	}
	return nil
}

func (r *RollbackEngine) appendEvent(ctx context.Context, wf *models.Workflow, kind models.WorkflowEventKind, msg string) {
	ev := &models.WorkflowEvent{
		WorkflowID: wf.ID,
		Kind:       kind,
		Message:    msg,
	}
	if err := r.repo.AppendEvent(ctx, ev); err != nil {
		r.log.Error("failed to append rollback event", "workflow_id", wf.ID, "error", err)
	}
}
