package alerting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

func TestRuleStoreCRUD(t *testing.T) {
	rules, _, _, _ := newTestStores(t)
	ctx := context.Background()

	rule, err := rules.Create(ctx, cpuRuleRequest())
	require.NoError(t, err)
	assert.True(t, rule.Enabled)
	assert.Equal(t, int64(1), rule.Version)

	got, err := rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)

	req := cpuRuleRequest()
	req.Name = "High CPU (tuned)"
	req.Condition.Threshold = 90
	updated, err := rules.Update(ctx, rule.ID, req)
	require.NoError(t, err)
	assert.Equal(t, "High CPU (tuned)", updated.Name)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, 90.0, updated.Condition.Threshold)

	require.NoError(t, rules.Delete(ctx, rule.ID))
	_, err = rules.Get(ctx, rule.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRuleStoreValidation(t *testing.T) {
	rules, _, _, _ := newTestStores(t)
	ctx := context.Background()

	// Interval must not exceed window.
	req := cpuRuleRequest()
	req.EvaluationIntervalS = 600
	req.EvaluationWindowS = 300
	_, err := rules.Create(ctx, req)
	assert.ErrorIs(t, err, errdefs.ErrInvalidConfiguration)

	req = cpuRuleRequest()
	req.Condition.Aggregation = "median"
	_, err = rules.Create(ctx, req)
	assert.ErrorIs(t, err, errdefs.ErrInvalidConfiguration)

	req = cpuRuleRequest()
	req.Condition.Operator = "~"
	_, err = rules.Create(ctx, req)
	assert.ErrorIs(t, err, errdefs.ErrInvalidConfiguration)
}

func TestRuleStoreEnableDisable(t *testing.T) {
	rules, _, _, _ := newTestStores(t)
	ctx := context.Background()

	rule, err := rules.Create(ctx, cpuRuleRequest())
	require.NoError(t, err)

	disabled, err := rules.SetEnabled(ctx, rule.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	assert.Greater(t, disabled.Version, rule.Version)
	assert.True(t, disabled.UpdatedAt.After(rule.UpdatedAt) || disabled.UpdatedAt.Equal(rule.UpdatedAt))

	// Disabled rules drop out of the evaluation listing.
	assert.Empty(t, rules.List(ctx, false))
	assert.Len(t, rules.List(ctx, true), 1)
}

func TestRuleStoreDuplicate(t *testing.T) {
	rules, _, _, _ := newTestStores(t)
	ctx := context.Background()

	rule, err := rules.Create(ctx, cpuRuleRequest())
	require.NoError(t, err)

	copied, err := rules.Duplicate(ctx, rule.ID)
	require.NoError(t, err)

	assert.NotEqual(t, rule.ID, copied.ID)
	assert.False(t, copied.Enabled)
	assert.Contains(t, []string(copied.Tags), "duplicated")
	assert.Equal(t, int64(1), copied.Version)
	assert.Equal(t, rule.Condition, copied.Condition)
}

func TestSeedBuiltinRulesIdempotent(t *testing.T) {
	rules, _, _, _ := newTestStores(t)
	ctx := context.Background()
	cfg := testAlertingConfig()

	require.NoError(t, rules.SeedBuiltinRules(ctx, cfg))
	first := rules.List(ctx, true)
	require.NotEmpty(t, first)

	// Operator edits survive reseeding.
	cpu, err := rules.Get(ctx, "builtin-cpu-high")
	require.NoError(t, err)
	req := cpuRuleRequest()
	req.Condition.Threshold = 70
	_, err = rules.Update(ctx, cpu.ID, req)
	require.NoError(t, err)

	require.NoError(t, rules.SeedBuiltinRules(ctx, cfg))
	assert.Len(t, rules.List(ctx, true), len(first))

	edited, err := rules.Get(ctx, "builtin-cpu-high")
	require.NoError(t, err)
	assert.Equal(t, 70.0, edited.Condition.Threshold)
}

func TestBuiltinRulesCoverConfiguredThresholds(t *testing.T) {
	cfg := testAlertingConfig()
	seeded := builtinRules(cfg)

	byID := make(map[string]*models.AlertRule, len(seeded))
	for _, r := range seeded {
		byID[r.ID] = r
	}

	require.Contains(t, byID, "builtin-cpu-high")
	assert.Equal(t, cfg.CPU.Warning, byID["builtin-cpu-high"].Condition.Threshold)
	require.Contains(t, byID, "builtin-deployment-failure-rate")
	assert.Equal(t, cfg.DeploymentFailureRateWarning, byID["builtin-deployment-failure-rate"].Condition.Threshold)
	require.Contains(t, byID, "builtin-service-response-time")
	assert.Equal(t, models.AggregationP95, byID["builtin-service-response-time"].Condition.Aggregation)

	for _, r := range seeded {
		assert.LessOrEqual(t, r.EvaluationInterval, r.EvaluationWindow, r.ID)
	}
}
