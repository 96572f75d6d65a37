package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/metrics"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// pausePollInterval is how often the executor re-checks the pause marker.
// Variable so tests can tighten the poll.
var pausePollInterval = 5 * time.Second

// Executor drives one workflow through its phases and steps. Phases run
// strictly in order; steps inside a phase run in declared order. The
// executor owns all status transitions from Running onward.
type Executor struct {
	repo     Store
	cache    cache.Cache
	steps    *StepRunner
	rollback *RollbackEngine
	cfg      config.OrchestratorConfig
	log      *logger.Logger
}

// NewExecutor creates a workflow executor.
func NewExecutor(repo Store, c cache.Cache, steps *StepRunner, rollback *RollbackEngine, cfg config.OrchestratorConfig, log *logger.Logger) *Executor {
	return &Executor{
		repo:     repo,
		cache:    c,
		steps:    steps,
		rollback: rollback,
		cfg:      cfg,
		log:      log.WithComponent("executor"),
	}
}

// Execute runs the workflow to a terminal status and reports success. The
// context carries the caller's cancellation controller; the workflow-level
// deadline is layered on top as a hard cancel.
func (e *Executor) Execute(ctx context.Context, wf *models.Workflow) bool {
	timeout := wf.Timeout
	if timeout <= 0 {
		timeout = e.cfg.WorkflowTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := otel.Tracer("workflow-executor").Start(ctx, "workflow.execute")
	span.SetAttributes(
		attribute.String("workflow.id", wf.ID.String()),
		attribute.String("workflow.strategy", string(wf.Strategy)),
	)
	defer span.End()

	log := e.log.WithWorkflow(wf.ID.String())
	metrics.WorkflowsStarted.WithLabelValues(string(wf.Strategy)).Inc()

	defer func() {
		metrics.WorkflowsCompleted.WithLabelValues(string(wf.Strategy), string(wf.Status)).Inc()
	}()

	for i := wf.CurrentPhaseIndex; i < len(wf.Phases); i++ {
		if stop := e.checkInterrupt(ctx, wf, nil); stop {
			return false
		}
		if ok := e.waitWhilePaused(ctx, wf); !ok {
			e.finishInterrupted(ctx, wf)
			return false
		}

		wf.CurrentPhaseIndex = i
		phase := &wf.Phases[i]

		if err := e.runPhase(ctx, wf, phase); err != nil {
			return e.failWorkflow(ctx, wf, phase, err)
		}

		// Progress reflects completed phases and never decreases.
		progress := float64(i+1) / float64(len(wf.Phases)) * 100
		if progress > wf.ProgressPercent {
			wf.ProgressPercent = progress
		}
		e.save(ctx, wf)
	}

	now := time.Now()
	wf.Status = models.WorkflowStatusCompleted
	wf.ProgressPercent = 100
	wf.CompletedAt = &now
	e.save(ctx, wf)
	e.appendEvent(ctx, wf, models.EventWorkflowCompleted, "workflow completed", nil, nil)

	log.Info("workflow completed", "phases", len(wf.Phases))
	return true
}

// runPhase runs one phase with its retry budget. Linear backoff
// retryDelay*attempt separates attempts.
func (e *Executor) runPhase(ctx context.Context, wf *models.Workflow, phase *models.Phase) error {
	log := e.log.WithWorkflow(wf.ID.String())

	timeout := phase.Timeout
	if timeout <= 0 {
		timeout = e.cfg.PhaseTimeout()
	}

	var lastErr error
	for attempt := 0; attempt <= phase.MaxRetries; attempt++ {
		if attempt > 0 {
			phase.RetryCount = attempt
			backoff := time.Duration(attempt) * e.cfg.RetryDelay()
			log.Info("retrying phase", "phase", phase.Name, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = e.runPhaseOnce(ctx, wf, phase, timeout)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(lastErr, errCancelled) {
			return lastErr
		}

		// Reset steps for the next phase attempt.
		if attempt < phase.MaxRetries {
			for i := range phase.Steps {
				if phase.Steps[i].Status != models.StepStatusSkipped {
					phase.Steps[i].Status = models.StepStatusPending
					phase.Steps[i].Error = ""
				}
			}
		}
	}

	return lastErr
}

// errCancelled marks interruption by pause-cancel or controller cancel.
var errCancelled = errors.New("workflow cancelled")

// runPhaseOnce runs every step of the phase once, honoring the pause marker
// between steps and the phase deadline.
func (e *Executor) runPhaseOnce(ctx context.Context, wf *models.Workflow, phase *models.Phase, timeout time.Duration) error {
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now()
	phase.StartedAt = &now
	phase.Status = models.PhaseStatusRunning
	e.save(ctx, wf)
	e.appendEvent(ctx, wf, models.EventPhaseStarted, fmt.Sprintf("phase %q started", phase.Name), &phase.ID, nil)

	start := time.Now()
	defer func() {
		metrics.PhaseDuration.WithLabelValues(phase.Name).Observe(time.Since(start).Seconds())
	}()

	for i := range phase.Steps {
		step := &phase.Steps[i]
		if step.Status == models.StepStatusCompleted || step.Status == models.StepStatusSkipped {
			continue
		}

		if ok := e.waitWhilePaused(ctx, wf); !ok {
			phase.Status = models.PhaseStatusCancelled
			return errCancelled
		}

		if err := e.runStep(phaseCtx, wf, phase, step); err != nil {
			if step.Critical() {
				phase.Status = models.PhaseStatusFailed
				completed := time.Now()
				phase.CompletedAt = &completed
				e.save(ctx, wf)
				e.appendEvent(ctx, wf, models.EventPhaseFailed,
					fmt.Sprintf("phase %q failed: %v", phase.Name, err), &phase.ID, &step.ID)
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					return fmt.Errorf("phase %q: %w", phase.Name, errdefs.ErrTimeout)
				}
				return err
			}

			// Non-critical failure: record and continue.
			step.Status = models.StepStatusSkipped
			step.Error = err.Error()
			e.appendEvent(ctx, wf, models.EventStepFailed,
				fmt.Sprintf("non-critical step %s failed, skipped: %v", step.Type, err), &phase.ID, &step.ID)
		}
	}

	completed := time.Now()
	phase.CompletedAt = &completed
	phase.Status = models.PhaseStatusCompleted
	e.save(ctx, wf)
	e.appendEvent(ctx, wf, models.EventPhaseCompleted, fmt.Sprintf("phase %q completed", phase.Name), &phase.ID, nil)
	return nil
}

// runStep runs one step with its retry budget.
func (e *Executor) runStep(ctx context.Context, wf *models.Workflow, phase *models.Phase, step *models.Step) error {
	log := e.log.WithWorkflow(wf.ID.String())

	var lastErr error
	for attempt := 0; attempt <= phase.MaxRetries; attempt++ {
		if attempt > 0 {
			step.RetryCount = attempt
			metrics.StepRetries.WithLabelValues(string(step.Type)).Inc()
			backoff := time.Duration(attempt) * e.cfg.RetryDelay()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		now := time.Now()
		step.StartedAt = &now
		step.Status = models.StepStatusRunning
		e.appendEvent(ctx, wf, models.EventStepStarted,
			fmt.Sprintf("step %s started on %s", step.Type, stepTarget(step)), &phase.ID, &step.ID)

		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout(step))
		output, err := e.steps.run(stepCtx, wf, step)
		cancel()

		done := time.Now()
		step.CompletedAt = &done

		if err == nil {
			step.Status = models.StepStatusCompleted
			step.Output = output
			e.appendEvent(ctx, wf, models.EventStepCompleted,
				fmt.Sprintf("step %s completed", step.Type), &phase.ID, &step.ID)
			e.delayAfter(ctx, step)
			return nil
		}

		step.Status = models.StepStatusFailed
		step.Error = err.Error()
		lastErr = err
		log.Warn("step failed", "type", step.Type, "target", step.TargetServer, "attempt", attempt, "error", err)
		e.appendEvent(ctx, wf, models.EventStepFailed,
			fmt.Sprintf("step %s failed: %v", step.Type, err), &phase.ID, &step.ID)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return lastErr
}

// stepTimeout resolves the per-attempt step deadline.
func (e *Executor) stepTimeout(step *models.Step) time.Duration {
	if step.Type == models.StepTypeWaitForHealthy || step.Type == models.StepTypeCustom {
		// Wait and monitor steps bound their own duration; give them the
		// step timeout on top of a declared duration, or one minute on top
		// of a declared wait timeout.
		if s, ok := step.Parameters["duration"].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				return d + e.cfg.StepTimeout()
			}
		}
		if s, ok := step.Parameters["timeout"].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				return d + time.Minute
			}
		}
	}
	return e.cfg.StepTimeout()
}

// delayAfter honors the optional inter-server delay attached to a step.
func (e *Executor) delayAfter(ctx context.Context, step *models.Step) {
	s, ok := step.Parameters["delayAfter"].(string)
	if !ok {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// waitWhilePaused blocks while the pause marker is present, polling every
// five seconds. Returns false when cancelled while waiting.
func (e *Executor) waitWhilePaused(ctx context.Context, wf *models.Workflow) bool {
	key := cache.WorkflowPauseKey(wf.ID.String())
	paused := false

	for {
		_, present, err := e.cache.Get(ctx, key)
		if err != nil || !present {
			break
		}
		if !paused {
			paused = true
			wf.Status = models.WorkflowStatusPaused
			e.save(ctx, wf)
		}
		select {
		case <-time.After(pausePollInterval):
		case <-ctx.Done():
			return false
		}
	}

	if paused {
		wf.Status = models.WorkflowStatusRunning
		e.save(ctx, wf)
	}
	return ctx.Err() == nil
}

// checkInterrupt finalizes the workflow when the context is already done.
func (e *Executor) checkInterrupt(ctx context.Context, wf *models.Workflow, _ *models.Phase) bool {
	if ctx.Err() == nil {
		return false
	}
	e.finishInterrupted(ctx, wf)
	return true
}

// finishInterrupted records the terminal status for a cancelled or timed
// out workflow.
func (e *Executor) finishInterrupted(ctx context.Context, wf *models.Workflow) {
	now := time.Now()
	wf.CompletedAt = &now

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		wf.Errors = append(wf.Errors, "workflow timed out")
		wf.Status = models.WorkflowStatusFailed
		e.saveBackground(wf)
		e.appendEventBackground(wf, models.EventWorkflowFailed, "workflow timed out", nil, nil)
		return
	}

	wf.Status = models.WorkflowStatusCancelled
	if wf.CurrentPhaseIndex < len(wf.Phases) {
		phase := &wf.Phases[wf.CurrentPhaseIndex]
		if phase.Status == models.PhaseStatusRunning {
			phase.Status = models.PhaseStatusCancelled
		}
	}
	e.saveBackground(wf)
	e.appendEventBackground(wf, models.EventWorkflowCancelled, "workflow cancelled", nil, nil)
}

// failWorkflow handles a fatally failed phase: rollback when the phase and
// policy allow it, otherwise a plain failure.
func (e *Executor) failWorkflow(ctx context.Context, wf *models.Workflow, phase *models.Phase, cause error) bool {
	log := e.log.WithWorkflow(wf.ID.String())

	if errors.Is(cause, errCancelled) || errors.Is(cause, context.Canceled) ||
		(ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		e.finishInterrupted(ctx, wf)
		return false
	}

	wf.Errors = append(wf.Errors, fmt.Sprintf("phase %q: %v", phase.Name, cause))

	autoRollback := phase.RollbackOnFailure &&
		wf.Rollback != nil && wf.Rollback.Enabled && wf.Rollback.AutomaticRollback

	if autoRollback {
		log.Info("phase failed, rolling back", "phase", phase.Name, "error", cause)
		wf.Status = models.WorkflowStatusRollingBack
		e.saveBackground(wf)

		targets := phase.TargetServers
		if len(targets) == 0 {
			targets = wf.TargetServers
		}

		// Rollback runs on a fresh context; the workflow deadline may
		// already be spent.
		rbCtx, cancel := context.WithTimeout(context.Background(), e.rollback.timeout(wf))
		err := e.rollback.Run(rbCtx, wf, targets, "")
		cancel()

		now := time.Now()
		wf.CompletedAt = &now
		if err != nil {
			wf.Errors = append(wf.Errors, fmt.Sprintf("rollback: %v", err))
			wf.Status = models.WorkflowStatusFailed
			e.saveBackground(wf)
			e.appendEventBackground(wf, models.EventWorkflowFailed,
				fmt.Sprintf("workflow failed, rollback unsuccessful: %v", err), &phase.ID, nil)
			return false
		}
		wf.Status = models.WorkflowStatusRolledBack
		e.saveBackground(wf)
		return false
	}

	now := time.Now()
	wf.CompletedAt = &now
	wf.Status = models.WorkflowStatusFailed
	e.saveBackground(wf)
	e.appendEventBackground(wf, models.EventWorkflowFailed,
		fmt.Sprintf("workflow failed: %v", cause), &phase.ID, nil)
	log.Error("workflow failed", "phase", phase.Name, "error", cause)
	return false
}

// =============================================================================
// Persistence helpers
// =============================================================================

func (e *Executor) save(ctx context.Context, wf *models.Workflow) {
	if ctx.Err() != nil {
		e.saveBackground(wf)
		return
	}
	if err := e.repo.Update(ctx, wf); err != nil {
		e.log.Error("failed to save workflow", "workflow_id", wf.ID, "error", err)
	}
}

// saveBackground saves with a fresh context; used on cancellation paths
// where the execution context is already dead.
func (e *Executor) saveBackground(wf *models.Workflow) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.repo.Update(ctx, wf); err != nil {
		e.log.Error("failed to save workflow", "workflow_id", wf.ID, "error", err)
	}
}

func (e *Executor) appendEvent(ctx context.Context, wf *models.Workflow, kind models.WorkflowEventKind, msg string, phaseID, stepID *uuid.UUID) {
	if ctx.Err() != nil {
		e.appendEventBackground(wf, kind, msg, phaseID, stepID)
		return
	}
	ev := &models.WorkflowEvent{
		WorkflowID: wf.ID,
		Kind:       kind,
		Message:    msg,
		PhaseID:    phaseID,
		StepID:     stepID,
	}
	if err := e.repo.AppendEvent(ctx, ev); err != nil {
		e.log.Error("failed to append event", "workflow_id", wf.ID, "kind", kind, "error", err)
	}
}

func (e *Executor) appendEventBackground(wf *models.Workflow, kind models.WorkflowEventKind, msg string, phaseID, stepID *uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ev := &models.WorkflowEvent{
		WorkflowID: wf.ID,
		Kind:       kind,
		Message:    msg,
		PhaseID:    phaseID,
		StepID:     stepID,
	}
	if err := e.repo.AppendEvent(ctx, ev); err != nil {
		e.log.Error("failed to append event", "workflow_id", wf.ID, "kind", kind, "error", err)
	}
}

func stepTarget(step *models.Step) string {
	if step.TargetServer != "" {
		return step.TargetServer
	}
	if w, ok := step.Parameters["worker"].(string); ok {
		return w
	}
	return "local"
}
