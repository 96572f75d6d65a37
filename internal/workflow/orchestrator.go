package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/auth"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// Orchestrator is the facade over workflow creation, planning, leasing and
// execution. It holds the cancellation controllers of locally running
// workflows; all persisted state lives in the repository.
type Orchestrator struct {
	repo     Store
	cache    cache.Cache
	planners *Registry
	executor *Executor
	rollback *RollbackEngine
	identity auth.Identity
	cfg      config.OrchestratorConfig
	log      *logger.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

// NewOrchestrator creates the orchestrator facade.
func NewOrchestrator(repo Store, c cache.Cache, planners *Registry, executor *Executor, rollback *RollbackEngine, identity auth.Identity, cfg config.OrchestratorConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		cache:    c,
		planners: planners,
		executor: executor,
		rollback: rollback,
		identity: identity,
		cfg:      cfg,
		log:      log.WithComponent("orchestrator"),
		running:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// checkPermission guards a mutating operation against the identity port.
func (o *Orchestrator) checkPermission(ctx context.Context, userID, resource, action string) error {
	ok, err := o.identity.HasPermission(ctx, userID, resource, action)
	if err != nil {
		return fmt.Errorf("permission check: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %s lacks %s.%s: %w", userID, resource, action, errdefs.ErrPermissionDenied)
	}
	return nil
}

// CreateWorkflow validates the request against its strategy planner,
// constructs the workflow with its planned phases and persists it.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, req *models.CreateWorkflowRequest, userID string) (*models.Workflow, error) {
	if err := o.checkPermission(ctx, userID, "deployment", "create"); err != nil {
		return nil, err
	}

	planner, err := o.planners.Get(req.Strategy)
	if err != nil {
		return nil, err
	}
	if err := planner.ValidateConfiguration(req.Configuration); err != nil {
		return nil, err
	}

	timeout := o.cfg.WorkflowTimeout()
	if req.TimeoutMinutes > 0 {
		timeout = time.Duration(req.TimeoutMinutes) * time.Minute
	}

	planReq := &PlanRequest{
		ServiceName:   req.ServiceName,
		Version:       req.Version,
		PackageURL:    req.PackageURL,
		TargetServers: req.TargetServers,
		Configuration: req.Configuration,
		Defaults: PlanDefaults{
			PhaseTimeout: o.cfg.PhaseTimeout(),
			StepTimeout:  o.cfg.StepTimeout(),
			MaxRetries:   o.cfg.MaxRetryAttempts,
		},
	}

	phases, err := planner.Plan(planReq)
	if err != nil {
		return nil, err
	}
	if err := ValidatePlan(phases); err != nil {
		return nil, err
	}

	rollback := req.Rollback
	if rollback == nil && o.cfg.EnableAutoRollback {
		rollback = &models.RollbackPolicy{Enabled: true, AutomaticRollback: true}
	}

	wf := &models.Workflow{
		ID:            uuid.New(),
		Name:          req.Name,
		Strategy:      req.Strategy,
		ServiceName:   req.ServiceName,
		Version:       req.Version,
		PackageURL:    req.PackageURL,
		TargetServers: req.TargetServers,
		Configuration: req.Configuration,
		Rollback:      rollback,
		CreatedBy:     userID,
		Status:        models.WorkflowStatusCreated,
		Phases:        phases,
		Timeout:       timeout,
		CreatedAt:     time.Now(),
	}

	if err := o.repo.Create(ctx, wf); err != nil {
		return nil, err
	}
	o.appendEvent(ctx, wf, models.EventWorkflowCreated,
		fmt.Sprintf("workflow created with %d phases (%s)", len(phases), req.Strategy), userID)

	o.log.Info("workflow created",
		"workflow_id", wf.ID,
		"strategy", wf.Strategy,
		"service", wf.ServiceName,
		"targets", len(wf.TargetServers),
	)
	return wf, nil
}

// StartWorkflow transitions a workflow to Running behind its start lease and
// spawns the execution task. At capacity the workflow is queued instead.
func (o *Orchestrator) StartWorkflow(ctx context.Context, id uuid.UUID, userID string) (*models.Workflow, error) {
	if err := o.checkPermission(ctx, userID, "deployment", "execute"); err != nil {
		return nil, err
	}

	lease := cache.NewLease(o.cache, cache.WorkflowLockKey(id.String()), userID, cache.WorkflowLockTTL)
	if err := lease.Acquire(ctx); err != nil {
		if errors.Is(err, cache.ErrLeaseHeld) {
			return nil, fmt.Errorf("workflow %s is locked: %w", id, errdefs.ErrLeaseUnavailable)
		}
		return nil, fmt.Errorf("acquire workflow lease: %w", errdefs.ErrDependencyUnavailable)
	}

	wf, err := o.repo.Get(ctx, id)
	if err != nil {
		_ = lease.Release(ctx)
		return nil, err
	}

	if wf.Status != models.WorkflowStatusCreated && wf.Status != models.WorkflowStatusQueued {
		_ = lease.Release(ctx)
		return nil, fmt.Errorf("cannot start workflow in status %q: %w", wf.Status, errdefs.ErrInvalidState)
	}

	active, err := o.repo.CountByStatus(ctx, models.WorkflowStatusRunning)
	if err != nil {
		_ = lease.Release(ctx)
		return nil, err
	}
	if active >= o.cfg.MaxConcurrentWorkflows {
		wf.Status = models.WorkflowStatusQueued
		if err := o.repo.Update(ctx, wf); err != nil {
			_ = lease.Release(ctx)
			return nil, err
		}
		_ = lease.Release(ctx)
		o.log.Info("workflow queued, at concurrency limit", "workflow_id", wf.ID)
		return wf, nil
	}

	now := time.Now()
	wf.Status = models.WorkflowStatusRunning
	wf.StartedAt = &now
	if err := o.repo.Update(ctx, wf); err != nil {
		_ = lease.Release(ctx)
		return nil, err
	}
	o.appendEvent(ctx, wf, models.EventWorkflowStarted, "workflow started", userID)

	execCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running[wf.ID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, wf.ID)
			o.mu.Unlock()
			cancel()

			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = lease.Release(releaseCtx)
			releaseCancel()
		}()
		o.executor.Execute(execCtx, wf)
	}()

	return wf, nil
}

// CancelWorkflow trips the local cancellation controller. It is a no-op for
// workflows not running in this process.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, id uuid.UUID, userID, reason string) error {
	if err := o.checkPermission(ctx, userID, "deployment", "execute"); err != nil {
		return err
	}

	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()

	if !ok {
		o.log.Info("cancel requested for workflow not running locally", "workflow_id", id)
		return nil
	}

	cancel()

	wf, err := o.repo.Get(ctx, id)
	if err == nil {
		o.appendEvent(ctx, wf, models.EventWorkflowCancelled,
			fmt.Sprintf("cancellation requested: %s", reason), userID)
	}
	o.log.Info("workflow cancelled", "workflow_id", id, "reason", reason)
	return nil
}

// PauseWorkflow sets the pause marker; the executor stops before the next
// step until the marker is cleared.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, id uuid.UUID, userID string) error {
	if err := o.checkPermission(ctx, userID, "deployment", "execute"); err != nil {
		return err
	}

	wf, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != models.WorkflowStatusRunning {
		return fmt.Errorf("cannot pause workflow in status %q: %w", wf.Status, errdefs.ErrInvalidState)
	}

	if err := o.cache.Set(ctx, cache.WorkflowPauseKey(id.String()), userID, cache.WorkflowPauseTTL); err != nil {
		return fmt.Errorf("set pause marker: %w", errdefs.ErrDependencyUnavailable)
	}
	o.appendEvent(ctx, wf, models.EventWorkflowPaused, "workflow paused", userID)
	return nil
}

// ResumeWorkflow clears the pause marker.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, id uuid.UUID, userID string) error {
	if err := o.checkPermission(ctx, userID, "deployment", "execute"); err != nil {
		return err
	}

	wf, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != models.WorkflowStatusPaused && wf.Status != models.WorkflowStatusRunning {
		return fmt.Errorf("cannot resume workflow in status %q: %w", wf.Status, errdefs.ErrInvalidState)
	}

	if err := o.cache.Delete(ctx, cache.WorkflowPauseKey(id.String())); err != nil {
		return fmt.Errorf("clear pause marker: %w", errdefs.ErrDependencyUnavailable)
	}
	o.appendEvent(ctx, wf, models.EventWorkflowResumed, "workflow resumed", userID)
	return nil
}

// RollbackWorkflow runs a manual rollback to the given version (or the
// policy's target).
func (o *Orchestrator) RollbackWorkflow(ctx context.Context, id uuid.UUID, userID, targetVersion string) (*models.Workflow, error) {
	if err := o.checkPermission(ctx, userID, "deployment", "execute"); err != nil {
		return nil, err
	}

	wf, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Rollback == nil || !wf.Rollback.Enabled {
		return nil, fmt.Errorf("rollback is not enabled for workflow %s: %w", id, errdefs.ErrInvalidState)
	}
	if wf.Status == models.WorkflowStatusRunning || wf.Status == models.WorkflowStatusRollingBack {
		return nil, fmt.Errorf("cannot roll back workflow in status %q: %w", wf.Status, errdefs.ErrInvalidState)
	}

	return o.runRollback(ctx, wf, userID, targetVersion)
}

// AutoRollback runs a rollback on behalf of a monitoring trigger. It is
// permitted only when the policy allows automatic rollback.
func (o *Orchestrator) AutoRollback(ctx context.Context, id uuid.UUID, trigger, reason string) (*models.Workflow, error) {
	wf, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Rollback == nil || !wf.Rollback.Enabled || !wf.Rollback.AutomaticRollback {
		return nil, fmt.Errorf("automatic rollback is not enabled for workflow %s: %w", id, errdefs.ErrInvalidState)
	}

	o.log.Warn("automatic rollback triggered",
		"workflow_id", id, "trigger", trigger, "reason", reason)
	return o.runRollback(ctx, wf, "system", "")
}

func (o *Orchestrator) runRollback(ctx context.Context, wf *models.Workflow, userID, targetVersion string) (*models.Workflow, error) {
	wf.Status = models.WorkflowStatusRollingBack
	if err := o.repo.Update(ctx, wf); err != nil {
		return nil, err
	}

	rbCtx, cancel := context.WithTimeout(context.Background(), o.rollback.timeout(wf))
	defer cancel()

	err := o.rollback.Run(rbCtx, wf, wf.TargetServers, targetVersion)

	now := time.Now()
	wf.CompletedAt = &now
	if err != nil {
		wf.Status = models.WorkflowStatusFailed
		wf.Errors = append(wf.Errors, fmt.Sprintf("rollback: %v", err))
		if uerr := o.repo.Update(ctx, wf); uerr != nil {
			o.log.Error("failed to persist rollback failure", "workflow_id", wf.ID, "error", uerr)
		}
		return wf, err
	}

	wf.Status = models.WorkflowStatusRolledBack
	if err := o.repo.Update(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// =============================================================================
// Queries
// =============================================================================

// GetWorkflow returns one workflow.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return o.repo.Get(ctx, id)
}

// GetActiveWorkflows returns running, paused and rolling-back workflows.
func (o *Orchestrator) GetActiveWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	return o.repo.ListByStatus(ctx,
		models.WorkflowStatusRunning,
		models.WorkflowStatusPaused,
		models.WorkflowStatusRollingBack,
	)
}

// GetWorkflows returns workflows matching the filter.
func (o *Orchestrator) GetWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error) {
	return o.repo.List(ctx, filter)
}

// GetStatistics aggregates workflows over a time range.
func (o *Orchestrator) GetStatistics(ctx context.Context, since, until time.Time) (*models.WorkflowStatistics, error) {
	return o.repo.Statistics(ctx, since, until)
}

// GetWorkflowEvents returns the event log of a workflow.
func (o *Orchestrator) GetWorkflowEvents(ctx context.Context, id uuid.UUID) ([]*models.WorkflowEvent, error) {
	if _, err := o.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.repo.ListEvents(ctx, id)
}

// GetHealth returns the cached health snapshot, refreshing it when absent.
func (o *Orchestrator) GetHealth(ctx context.Context) (*models.OrchestratorHealth, error) {
	if val, ok, err := o.cache.Get(ctx, cache.KeyOrchestratorHealth); err == nil && ok {
		var health models.OrchestratorHealth
		if err := json.Unmarshal([]byte(val), &health); err == nil {
			return &health, nil
		}
	}
	return o.RefreshHealth(ctx)
}

// RefreshHealth recomputes the health contract and caches it. Healthy iff
// the running count is within MaxConcurrentWorkflows and the queue is within
// MaxQueuedWorkflows.
func (o *Orchestrator) RefreshHealth(ctx context.Context) (*models.OrchestratorHealth, error) {
	active, err := o.repo.CountByStatus(ctx, models.WorkflowStatusRunning)
	if err != nil {
		return nil, err
	}
	queued, err := o.repo.CountByStatus(ctx, models.WorkflowStatusQueued)
	if err != nil {
		return nil, err
	}

	health := &models.OrchestratorHealth{
		Healthy:       true,
		ActiveRunning: active,
		Queued:        queued,
		CheckedAt:     time.Now(),
	}
	if active > o.cfg.MaxConcurrentWorkflows {
		health.Healthy = false
		health.Issues = append(health.Issues,
			fmt.Sprintf("active workflows %d exceed limit %d", active, o.cfg.MaxConcurrentWorkflows))
	}
	if queued > o.cfg.MaxQueuedWorkflows {
		health.Healthy = false
		health.Issues = append(health.Issues,
			fmt.Sprintf("queued workflows %d exceed limit %d", queued, o.cfg.MaxQueuedWorkflows))
	}

	if data, err := json.Marshal(health); err == nil {
		if err := o.cache.Set(ctx, cache.KeyOrchestratorHealth, string(data), cache.OrchestratorHealthTTL); err != nil {
			o.log.Warn("failed to cache health snapshot", "error", err)
		}
	}
	return health, nil
}

// StartQueued promotes queued workflows into free execution slots. Invoked
// by the health refresh worker.
func (o *Orchestrator) StartQueued(ctx context.Context) {
	active, err := o.repo.CountByStatus(ctx, models.WorkflowStatusRunning)
	if err != nil || active >= o.cfg.MaxConcurrentWorkflows {
		return
	}

	queued, err := o.repo.ListByStatus(ctx, models.WorkflowStatusQueued)
	if err != nil {
		return
	}

	for _, wf := range queued {
		if active >= o.cfg.MaxConcurrentWorkflows {
			return
		}
		if _, err := o.StartWorkflow(ctx, wf.ID, wf.CreatedBy); err != nil {
			o.log.Warn("failed to start queued workflow", "workflow_id", wf.ID, "error", err)
			continue
		}
		active++
	}
}

// CleanupOld deletes terminal workflows past the retention window.
func (o *Orchestrator) CleanupOld(ctx context.Context) (int64, error) {
	return o.repo.CleanupOld(ctx, time.Duration(o.cfg.WorkflowCleanupDays)*24*time.Hour)
}

func (o *Orchestrator) appendEvent(ctx context.Context, wf *models.Workflow, kind models.WorkflowEventKind, msg, userID string) {
	ev := &models.WorkflowEvent{
		WorkflowID: wf.ID,
		Kind:       kind,
		Message:    msg,
	}
	if userID != "" {
		ev.UserID = &userID
	}
	if err := o.repo.AppendEvent(ctx, ev); err != nil {
		o.log.Error("failed to append event", "workflow_id", wf.ID, "kind", kind, "error", err)
	}
}
