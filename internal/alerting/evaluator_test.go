package alerting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *RuleStore, *AlertStore, *fakeQuerier, cache.Cache) {
	t.Helper()
	rules, alerts, _, c := newTestStores(t)
	querier := newFakeQuerier()
	evaluator := NewEvaluator(rules, alerts, nil, querier, c, testAlertingConfig(), testLogger())
	return evaluator, rules, alerts, querier, c
}

func TestEvaluatorFiresAndDedups(t *testing.T) {
	evaluator, rules, alerts, querier, c := newTestEvaluator(t)
	ctx := context.Background()

	rule, err := rules.Create(ctx, cpuRuleRequest())
	require.NoError(t, err)

	// Cycle 1: condition met, a new Active alert appears.
	querier.set("cpu_usage_percent", 90, 95, 92)
	require.NoError(t, evaluator.EvaluateCycle(ctx))

	active := alerts.FindActiveByRule(ctx, rule)
	require.NotNil(t, active)
	assert.Equal(t, models.AlertStatusActive, active.Status)
	require.Len(t, active.DataPoints, 1)

	// Cycle 2: still firing; the alert gains a data point, no second alert.
	// Clear the per-rule gate so the rule is re-evaluated immediately.
	require.NoError(t, c.Delete(ctx, cache.RuleLastEvalKey(rule.ID)))
	querier.set("cpu_usage_percent", 91, 93)
	require.NoError(t, evaluator.EvaluateCycle(ctx))

	again := alerts.FindActiveByRule(ctx, rule)
	require.NotNil(t, again)
	assert.Equal(t, active.ID, again.ID)
	assert.Len(t, again.DataPoints, 2)

	// Cycle 3: condition clears; the alert auto-resolves as "System".
	require.NoError(t, c.Delete(ctx, cache.RuleLastEvalKey(rule.ID)))
	querier.set("cpu_usage_percent", 40, 42)
	require.NoError(t, evaluator.EvaluateCycle(ctx))

	assert.Nil(t, alerts.FindActiveByRule(ctx, rule))
	resolved, err := alerts.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)
	require.NotEmpty(t, resolved.Actions)
	last := resolved.Actions[len(resolved.Actions)-1]
	assert.Equal(t, "System", last.User)
	assert.Equal(t, "Condition no longer met", last.Comment)
}

func TestEvaluatorMinimumDataPoints(t *testing.T) {
	evaluator, rules, alerts, querier, _ := newTestEvaluator(t)
	ctx := context.Background()

	req := cpuRuleRequest()
	req.MinimumDataPoints = 5
	rule, err := rules.Create(ctx, req)
	require.NoError(t, err)

	// Fewer samples than the minimum never fire, however extreme.
	querier.set("cpu_usage_percent", 99, 99, 99)
	require.NoError(t, evaluator.EvaluateCycle(ctx))
	assert.Nil(t, alerts.FindActiveByRule(ctx, rule))
}

func TestEvaluatorMissingDataSkips(t *testing.T) {
	evaluator, rules, alerts, _, _ := newTestEvaluator(t)
	ctx := context.Background()

	rule, err := rules.Create(ctx, cpuRuleRequest())
	require.NoError(t, err)

	require.NoError(t, evaluator.EvaluateCycle(ctx))
	assert.Nil(t, alerts.FindActiveByRule(ctx, rule))
}

func TestEvaluatorSkipsDisabledRules(t *testing.T) {
	evaluator, rules, alerts, querier, _ := newTestEvaluator(t)
	ctx := context.Background()

	rule, err := rules.Create(ctx, cpuRuleRequest())
	require.NoError(t, err)
	_, err = rules.SetEnabled(ctx, rule.ID, false)
	require.NoError(t, err)

	querier.set("cpu_usage_percent", 99, 99, 99)
	require.NoError(t, evaluator.EvaluateCycle(ctx))
	assert.Nil(t, alerts.FindActiveByRule(ctx, rule))
}

func TestEvaluatorIntervalGate(t *testing.T) {
	evaluator, rules, alerts, querier, _ := newTestEvaluator(t)
	ctx := context.Background()

	req := cpuRuleRequest()
	req.EvaluationIntervalS = 300
	rule, err := rules.Create(ctx, req)
	require.NoError(t, err)

	querier.set("cpu_usage_percent", 90)
	require.NoError(t, evaluator.EvaluateCycle(ctx))
	first := alerts.FindActiveByRule(ctx, rule)
	require.NotNil(t, first)

	// The second cycle runs inside the rule's interval: no re-evaluation,
	// so no new data point lands on the alert.
	querier.set("cpu_usage_percent", 99)
	require.NoError(t, evaluator.EvaluateCycle(ctx))
	again := alerts.FindActiveByRule(ctx, rule)
	require.NotNil(t, again)
	assert.Len(t, again.DataPoints, 1)
}

func TestEvaluatorQuerierErrorDoesNotCrashCycle(t *testing.T) {
	evaluator, rules, _, querier, _ := newTestEvaluator(t)
	ctx := context.Background()

	_, err := rules.Create(ctx, cpuRuleRequest())
	require.NoError(t, err)

	querier.err = assert.AnError
	assert.NoError(t, evaluator.EvaluateCycle(ctx))
}

func TestEvaluatorRecordsHistory(t *testing.T) {
	evaluator, rules, _, querier, c := newTestEvaluator(t)
	ctx := context.Background()

	_, err := rules.Create(ctx, cpuRuleRequest())
	require.NoError(t, err)
	querier.set("cpu_usage_percent", 90)

	require.NoError(t, evaluator.EvaluateCycle(ctx))

	keys, err := c.Keys(ctx, "alert_evaluation_history:*")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	entries, err := c.LRange(ctx, keys[0], 0, -1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTestRule(t *testing.T) {
	evaluator, rules, _, querier, _ := newTestEvaluator(t)
	ctx := context.Background()

	rule, err := rules.Create(ctx, cpuRuleRequest())
	require.NoError(t, err)

	querier.set("cpu_usage_percent", 85, 95)
	wouldFire, value, err := evaluator.TestRule(ctx, rule)
	require.NoError(t, err)
	assert.True(t, wouldFire)
	assert.InDelta(t, 90, value, 1e-9)

	querier.set("cpu_usage_percent", 10, 20)
	wouldFire, _, err = evaluator.TestRule(ctx, rule)
	require.NoError(t, err)
	assert.False(t, wouldFire)
}
