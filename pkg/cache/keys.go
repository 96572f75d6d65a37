package cache

import (
	"fmt"
	"time"
)

// Cache key layout shared across the orchestrator and alerting engine.
// These names are contract surface consumed by external tooling.

const (
	// KeyActiveAlerts is the set of ids of non-resolved alerts.
	KeyActiveAlerts = "active_alerts"
	// KeyAlertRules is the set of known alert rule ids.
	KeyAlertRules = "alert_rules"
	// KeyOrchestratorHealth caches the orchestrator health snapshot.
	KeyOrchestratorHealth = "orchestrator:health"
)

// WorkflowKey mirrors a persisted workflow (24h TTL).
func WorkflowKey(id string) string { return "workflow:" + id }

// WorkflowLockKey is the single-writer start lease for a workflow (5m TTL).
func WorkflowLockKey(id string) string { return "workflow-lock:" + id }

// WorkflowPauseKey is the pause flag for a workflow (24h TTL).
func WorkflowPauseKey(id string) string { return "workflow-pause:" + id }

// AlertKey stores a serialized alert.
func AlertKey(id string) string { return "alert:" + id }

// AlertRuleKey stores a serialized alert rule (30d TTL).
func AlertRuleKey(id string) string { return "alert_rule:" + id }

// AlertFingerprintKey indexes the alert id owning a fingerprint.
func AlertFingerprintKey(fp string) string { return "alert_fingerprint:" + fp }

// ActiveAlertKey is the hot fingerprint lookup (5m TTL).
func ActiveAlertKey(fp string) string { return "active_alert:" + fp }

// AlertSuppressionKey holds the suppression marker (TTL = suppression duration).
func AlertSuppressionKey(id string) string { return "alert_suppression:" + id }

// RuleLastEvalKey records the last evaluation time of a rule (1h TTL).
func RuleLastEvalKey(ruleID string) string { return "alert_rule_last_eval:" + ruleID }

// EvaluationHistoryKey is the hourly evaluation metrics list (7d TTL).
func EvaluationHistoryKey(t time.Time) string {
	return fmt.Sprintf("alert_evaluation_history:%s", t.UTC().Format("2006010215"))
}

// Standard TTLs for the key layout above.
const (
	WorkflowMirrorTTL     = 24 * time.Hour
	WorkflowLockTTL       = 5 * time.Minute
	WorkflowPauseTTL      = 24 * time.Hour
	AlertRuleTTL          = 30 * 24 * time.Hour
	ActiveAlertLookupTTL  = 5 * time.Minute
	RuleLastEvalTTL       = time.Hour
	OrchestratorHealthTTL = 5 * time.Minute
	EvaluationHistoryTTL  = 7 * 24 * time.Hour
)
