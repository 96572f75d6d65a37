package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// =============================================================================
// Alert Rules
// =============================================================================

// AlertSeverity represents alert severity levels.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// ComparisonOperator compares an aggregated value against a threshold.
type ComparisonOperator string

const (
	OperatorGreaterThan    ComparisonOperator = "gt"
	OperatorGreaterOrEqual ComparisonOperator = "gte"
	OperatorLessThan       ComparisonOperator = "lt"
	OperatorLessOrEqual    ComparisonOperator = "lte"
	OperatorEqual          ComparisonOperator = "eq"
	OperatorNotEqual       ComparisonOperator = "ne"
)

// AggregationKind selects how samples inside the evaluation window combine.
type AggregationKind string

const (
	AggregationAvg   AggregationKind = "avg"
	AggregationSum   AggregationKind = "sum"
	AggregationCount AggregationKind = "count"
	AggregationMin   AggregationKind = "min"
	AggregationMax   AggregationKind = "max"
	AggregationP95   AggregationKind = "p95"
	AggregationP99   AggregationKind = "p99"
)

// AlertCondition is the trigger condition of a rule.
type AlertCondition struct {
	Metric      string             `json:"metric" validate:"required"`
	Operator    ComparisonOperator `json:"operator" validate:"required"`
	Threshold   float64            `json:"threshold"`
	Aggregation AggregationKind    `json:"aggregation" validate:"required"`
	Filters     map[string]string  `json:"filters,omitempty"`
}

// SuppressionRule silences matching alerts during a window.
type SuppressionRule struct {
	Reason   string        `json:"reason"`
	Duration time.Duration `json:"duration"`
}

// AlertRule describes a scheduled evaluation against the metrics store.
type AlertRule struct {
	ID                   string            `json:"id" db:"id"`
	Name                 string            `json:"name" db:"name"`
	Enabled              bool              `json:"enabled" db:"enabled"`
	Category             string            `json:"category" db:"category"`
	Severity             AlertSeverity     `json:"severity" db:"severity"`
	Condition            AlertCondition    `json:"condition" db:"-"`
	EvaluationInterval   time.Duration     `json:"evaluationInterval" db:"evaluation_interval"`
	EvaluationWindow     time.Duration     `json:"evaluationWindow" db:"evaluation_window"`
	MinimumDataPoints    int               `json:"minimumDataPoints" db:"minimum_data_points"`
	Tags                 pq.StringArray    `json:"tags,omitempty" db:"tags"`
	NotificationChannels pq.StringArray    `json:"notificationChannels,omitempty" db:"notification_channels"`
	Suppressions         []SuppressionRule `json:"suppressions,omitempty" db:"-"`
	Version              int64             `json:"version" db:"version"`
	CreatedAt            time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time         `json:"updatedAt" db:"updated_at"`
}

// =============================================================================
// Alerts
// =============================================================================

// AlertStatus represents alert lifecycle states.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusSuppressed   AlertStatus = "suppressed"
	AlertStatusResolved     AlertStatus = "resolved"
)

// AlertDataPoint is one observed sample attached to an alert.
type AlertDataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// AlertAction records a lifecycle action taken on an alert.
type AlertAction struct {
	Action    string    `json:"action"` // acknowledged, resolved, escalated, suppressed, unsuppressed, commented
	User      string    `json:"user"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertNotification records one notification dispatch attempt.
type AlertNotification struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert is a deduplicated incident instance produced by rule evaluation.
// At most one alert with status Active or Acknowledged exists per fingerprint.
type Alert struct {
	ID              uuid.UUID           `json:"id"`
	Title           string              `json:"title"`
	Message         string              `json:"message"`
	Severity        AlertSeverity       `json:"severity"`
	Category        string              `json:"category"`
	HostID          *string             `json:"hostId,omitempty"`
	ServiceID       *string             `json:"serviceId,omitempty"`
	RuleID          string              `json:"ruleId"`
	Threshold       float64             `json:"threshold"`
	ActualValue     float64             `json:"actualValue"`
	Unit            string              `json:"unit,omitempty"`
	Tags            pq.StringArray      `json:"tags,omitempty"`
	DataPoints      []AlertDataPoint    `json:"dataPoints,omitempty"`
	Fingerprint     string              `json:"fingerprint"`
	Status          AlertStatus         `json:"status"`
	Actions         []AlertAction       `json:"actions,omitempty"`
	Notifications   []AlertNotification `json:"notifications,omitempty"`
	EscalationLevel int                 `json:"escalationLevel"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	AcknowledgedAt  *time.Time          `json:"acknowledgedAt,omitempty"`
	EscalatedAt     *time.Time          `json:"escalatedAt,omitempty"`
	ResolvedAt      *time.Time          `json:"resolvedAt,omitempty"`
}

// MaxAlertDataPoints bounds the data-point tail kept on an alert.
const MaxAlertDataPoints = 100

// =============================================================================
// Notification Channels
// =============================================================================

// NotificationChannel describes a named notification destination.
type NotificationChannel struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"` // slack, email, webhook
	Enabled  bool              `json:"enabled"`
	Settings map[string]string `json:"settings,omitempty"`
}

// =============================================================================
// Requests / Filters / Statistics
// =============================================================================

// CreateAlertRequest is the payload for creating an alert.
type CreateAlertRequest struct {
	Title       string            `json:"title" validate:"required,min=1,max=255"`
	Message     string            `json:"message"`
	Severity    AlertSeverity     `json:"severity" validate:"required,oneof=info warning critical"`
	Category    string            `json:"category"`
	HostID      *string           `json:"hostId,omitempty"`
	ServiceID   *string           `json:"serviceId,omitempty"`
	RuleID      string            `json:"ruleId" validate:"required"`
	Metric      string            `json:"metric" validate:"required"`
	Filters     map[string]string `json:"filters,omitempty"`
	Threshold   float64           `json:"threshold"`
	ActualValue float64           `json:"actualValue"`
	Unit        string            `json:"unit,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

// CreateAlertRuleRequest is the payload for creating an alert rule.
type CreateAlertRuleRequest struct {
	Name                 string            `json:"name" validate:"required,min=1,max=255"`
	Category             string            `json:"category"`
	Severity             AlertSeverity     `json:"severity" validate:"required,oneof=info warning critical"`
	Condition            AlertCondition    `json:"condition" validate:"required"`
	EvaluationIntervalS  int               `json:"evaluationIntervalSeconds" validate:"required,min=1"`
	EvaluationWindowS    int               `json:"evaluationWindowSeconds" validate:"required,min=1"`
	MinimumDataPoints    int               `json:"minimumDataPoints"`
	Tags                 []string          `json:"tags,omitempty"`
	NotificationChannels []string          `json:"notificationChannels,omitempty"`
	Suppressions         []SuppressionRule `json:"suppressions,omitempty"`
	Enabled              *bool             `json:"enabled,omitempty"`
}

// AlertFilter represents filters for listing alerts.
type AlertFilter struct {
	Severity *AlertSeverity `json:"severity,omitempty"`
	Status   *AlertStatus   `json:"status,omitempty"`
	Category *string        `json:"category,omitempty"`
	RuleID   *string        `json:"ruleId,omitempty"`
	HostID   *string        `json:"hostId,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}

// AlertStatistics summarizes alerts.
type AlertStatistics struct {
	Total      int                   `json:"total"`
	BySeverity map[AlertSeverity]int `json:"bySeverity"`
	ByStatus   map[AlertStatus]int   `json:"byStatus"`
	TopRules   []RuleAlertCount      `json:"topRules,omitempty"`
}

// RuleAlertCount counts alerts produced by one rule.
type RuleAlertCount struct {
	RuleID string `json:"ruleId"`
	Name   string `json:"name"`
	Count  int    `json:"count"`
}

// EvaluationCycleStats records metrics of one evaluator cycle.
type EvaluationCycleStats struct {
	RulesEvaluated  int           `json:"rulesEvaluated"`
	AlertsTriggered int           `json:"alertsTriggered"`
	AlertsResolved  int           `json:"alertsResolved"`
	Duration        time.Duration `json:"duration"`
	Timestamp       time.Time     `json:"timestamp"`
}
