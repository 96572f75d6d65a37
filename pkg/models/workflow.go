package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// =============================================================================
// Deployment Workflows
// =============================================================================

// WorkflowStatus represents the lifecycle state of a deployment workflow.
type WorkflowStatus string

const (
	WorkflowStatusCreated     WorkflowStatus = "created"
	WorkflowStatusQueued      WorkflowStatus = "queued"
	WorkflowStatusRunning     WorkflowStatus = "running"
	WorkflowStatusPaused      WorkflowStatus = "paused"
	WorkflowStatusRollingBack WorkflowStatus = "rolling_back"
	WorkflowStatusCompleted   WorkflowStatus = "completed"
	WorkflowStatusFailed      WorkflowStatus = "failed"
	WorkflowStatusCancelled   WorkflowStatus = "cancelled"
	WorkflowStatusRolledBack  WorkflowStatus = "rolled_back"
)

// IsTerminal reports whether the status admits no further transitions.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled, WorkflowStatusRolledBack:
		return true
	}
	return false
}

// DeploymentStrategy identifies a strategy planner.
type DeploymentStrategy string

const (
	StrategyRolling   DeploymentStrategy = "rolling"
	StrategyBlueGreen DeploymentStrategy = "blue_green"
	StrategyCanary    DeploymentStrategy = "canary"
)

// Workflow represents a multi-phase deployment across a set of target servers.
type Workflow struct {
	ID                uuid.UUID          `json:"id" db:"id"`
	Name              string             `json:"name" db:"name"`
	Strategy          DeploymentStrategy `json:"strategy" db:"strategy"`
	ServiceName       string             `json:"serviceName" db:"service_name"`
	Version           string             `json:"version" db:"version"`
	PackageURL        string             `json:"packageUrl" db:"package_url"`
	TargetServers     pq.StringArray     `json:"targetServers" db:"target_servers"`
	Configuration     map[string]any     `json:"configuration" db:"-"`
	Rollback          *RollbackPolicy    `json:"rollback,omitempty" db:"-"`
	CreatedBy         string             `json:"createdBy" db:"created_by"`
	Status            WorkflowStatus     `json:"status" db:"status"`
	ProgressPercent   float64            `json:"progressPercent" db:"progress_percent"`
	CurrentPhaseIndex int                `json:"currentPhaseIndex" db:"current_phase_index"`
	Phases            []Phase            `json:"phases" db:"-"`
	Errors            []string           `json:"errors,omitempty" db:"-"`
	Timeout           time.Duration      `json:"timeout" db:"timeout_seconds"`
	RecordVersion     int64              `json:"-" db:"record_version"` // optimistic concurrency counter
	CreatedAt         time.Time          `json:"createdAt" db:"created_at"`
	StartedAt         *time.Time         `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt       *time.Time         `json:"completedAt,omitempty" db:"completed_at"`
}

// RollbackPolicy governs rollback behavior for a workflow.
type RollbackPolicy struct {
	Enabled            bool          `json:"enabled"`
	AutomaticRollback  bool          `json:"automaticRollback"`
	TargetVersion      string        `json:"targetVersion,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty"`
	HealthCheckTimeout time.Duration `json:"healthCheckTimeout,omitempty"`
}

// PhaseStatus represents the status of a workflow phase.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusCancelled PhaseStatus = "cancelled"
)

// Phase is one sequential stage of a workflow. At most one phase of a
// workflow is running at any instant.
type Phase struct {
	ID                uuid.UUID      `json:"id"`
	Name              string         `json:"name"`
	Steps             []Step         `json:"steps"`
	Timeout           time.Duration  `json:"timeout,omitempty"`
	MaxRetries        int            `json:"maxRetries"`
	RollbackOnFailure bool           `json:"rollbackOnFailure"`
	TargetServers     pq.StringArray `json:"targetServers,omitempty"`
	Status            PhaseStatus    `json:"status"`
	RetryCount        int            `json:"retryCount"`
	StartedAt         *time.Time     `json:"startedAt,omitempty"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
}

// StepType identifies the kind of work a step performs.
type StepType string

const (
	StepTypeDeploy         StepType = "deploy"
	StepTypeServiceStart   StepType = "service_start"
	StepTypeServiceStop    StepType = "service_stop"
	StepTypeServiceRestart StepType = "service_restart"
	StepTypeHealthCheck    StepType = "health_check"
	StepTypeWaitForHealthy StepType = "wait_for_healthy"
	StepTypeTrafficSwitch  StepType = "traffic_switch"
	StepTypeValidation     StepType = "validation"
	StepTypeCleanup        StepType = "cleanup"
	StepTypeCustom         StepType = "custom"
)

// StepStatus represents the status of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Step is one unit of work within a phase. Steps run sequentially in
// declared order. A step whose "critical" parameter is false is marked
// Skipped on failure and the phase continues.
type Step struct {
	ID           uuid.UUID      `json:"id"`
	Type         StepType       `json:"type"`
	TargetServer string         `json:"targetServer,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Status       StepStatus     `json:"status"`
	RetryCount   int            `json:"retryCount"`
	Output       string         `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// Critical reports whether a failure of this step fails the phase.
// Steps are critical unless their parameters carry critical=false.
func (s *Step) Critical() bool {
	if s.Parameters == nil {
		return true
	}
	if v, ok := s.Parameters["critical"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return true
}

// =============================================================================
// Workflow Events
// =============================================================================

// WorkflowEventKind identifies the kind of workflow event.
type WorkflowEventKind string

const (
	EventWorkflowCreated   WorkflowEventKind = "created"
	EventWorkflowStarted   WorkflowEventKind = "started"
	EventPhaseStarted      WorkflowEventKind = "phase_started"
	EventStepStarted       WorkflowEventKind = "step_started"
	EventStepCompleted     WorkflowEventKind = "step_completed"
	EventStepFailed        WorkflowEventKind = "step_failed"
	EventPhaseCompleted    WorkflowEventKind = "phase_completed"
	EventPhaseFailed       WorkflowEventKind = "phase_failed"
	EventWorkflowCompleted WorkflowEventKind = "completed"
	EventWorkflowFailed    WorkflowEventKind = "failed"
	EventWorkflowCancelled WorkflowEventKind = "cancelled"
	EventWorkflowPaused    WorkflowEventKind = "paused"
	EventWorkflowResumed   WorkflowEventKind = "resumed"
	EventRollbackStarted   WorkflowEventKind = "rollback_started"
	EventRollbackCompleted WorkflowEventKind = "rollback_completed"
	EventRollbackFailed    WorkflowEventKind = "rollback_failed"
)

// WorkflowEvent is one entry of the append-only workflow event log.
type WorkflowEvent struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	WorkflowID uuid.UUID         `json:"workflowId" db:"workflow_id"`
	Kind       WorkflowEventKind `json:"kind" db:"kind"`
	Message    string            `json:"message" db:"message"`
	PhaseID    *uuid.UUID        `json:"phaseId,omitempty" db:"phase_id"`
	StepID     *uuid.UUID        `json:"stepId,omitempty" db:"step_id"`
	UserID     *string           `json:"userId,omitempty" db:"user_id"`
	Data       map[string]any    `json:"data,omitempty" db:"-"`
	Timestamp  time.Time         `json:"timestamp" db:"timestamp"`
}

// =============================================================================
// Requests / Filters / Statistics
// =============================================================================

// CreateWorkflowRequest is the payload for creating a deployment workflow.
type CreateWorkflowRequest struct {
	Name           string             `json:"name" validate:"required,min=1,max=255"`
	Strategy       DeploymentStrategy `json:"strategy" validate:"required,oneof=rolling blue_green canary"`
	ServiceName    string             `json:"serviceName" validate:"required"`
	Version        string             `json:"version" validate:"required"`
	PackageURL     string             `json:"packageUrl" validate:"required"`
	TargetServers  []string           `json:"targetServers" validate:"required,min=1"`
	Configuration  map[string]any     `json:"configuration,omitempty"`
	Rollback       *RollbackPolicy    `json:"rollback,omitempty"`
	TimeoutMinutes int                `json:"timeoutMinutes,omitempty"`
}

// WorkflowFilter represents filters for listing workflows.
type WorkflowFilter struct {
	Status      *WorkflowStatus     `json:"status,omitempty"`
	Strategy    *DeploymentStrategy `json:"strategy,omitempty"`
	ServiceName *string             `json:"serviceName,omitempty"`
	CreatedBy   *string             `json:"createdBy,omitempty"`
	Since       *time.Time          `json:"since,omitempty"`
	Until       *time.Time          `json:"until,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
	Offset      int                 `json:"offset,omitempty"`
}

// WorkflowStatistics summarizes workflows over a time range.
type WorkflowStatistics struct {
	Total           int                        `json:"total"`
	ByStatus        map[WorkflowStatus]int     `json:"byStatus"`
	ByStrategy      map[DeploymentStrategy]int `json:"byStrategy"`
	SuccessRate     float64                    `json:"successRate"`
	AverageDuration time.Duration              `json:"averageDuration"`
	Since           time.Time                  `json:"since"`
	Until           time.Time                  `json:"until"`
}

// OrchestratorHealth reports the orchestrator health contract.
type OrchestratorHealth struct {
	Healthy       bool      `json:"healthy"`
	ActiveRunning int       `json:"activeRunning"`
	Queued        int       `json:"queued"`
	Issues        []string  `json:"issues,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
}
