// Package metrics exposes Prometheus collectors for the orchestration and
// alerting engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowsStarted counts workflow executions by strategy.
	WorkflowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerdaemon_workflows_started_total",
		Help: "Number of workflow executions started.",
	}, []string{"strategy"})

	// WorkflowsCompleted counts finished workflows by terminal status.
	WorkflowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerdaemon_workflows_completed_total",
		Help: "Number of workflows reaching a terminal status.",
	}, []string{"strategy", "status"})

	// PhaseDuration observes phase wall-clock durations.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powerdaemon_phase_duration_seconds",
		Help:    "Wall-clock duration of workflow phases.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"phase"})

	// StepRetries counts step retry attempts by step type.
	StepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerdaemon_step_retries_total",
		Help: "Number of step retry attempts.",
	}, []string{"type"})

	// StepPublishes counts bus publications for step commands.
	StepPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerdaemon_step_publishes_total",
		Help: "Number of step command publications to the bus.",
	}, []string{"type"})

	// RollbacksTotal counts rollback invocations by outcome.
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerdaemon_rollbacks_total",
		Help: "Number of rollback engine invocations.",
	}, []string{"outcome"})

	// EvaluationCycles counts alert evaluation cycles by outcome.
	EvaluationCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerdaemon_alert_evaluation_cycles_total",
		Help: "Number of alert evaluation cycles.",
	}, []string{"outcome"})

	// EvaluationDuration observes evaluation cycle durations.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "powerdaemon_alert_evaluation_duration_seconds",
		Help:    "Duration of alert evaluation cycles.",
		Buckets: prometheus.DefBuckets,
	})

	// AlertsTriggered counts alerts created by severity.
	AlertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerdaemon_alerts_triggered_total",
		Help: "Number of alerts created by the evaluator.",
	}, []string{"severity"})

	// NotificationsSent counts notification dispatches by channel type and outcome.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerdaemon_notifications_sent_total",
		Help: "Number of notification dispatch attempts.",
	}, []string{"channel_type", "outcome"})
)
