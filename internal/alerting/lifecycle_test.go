package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/bus"
	"github.com/powerdaemonhq/powerdaemon/pkg/cache"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

func alertRequest() *models.CreateAlertRequest {
	return &models.CreateAlertRequest{
		Title:       "High CPU",
		Message:     "cpu_usage_percent gt 80.00",
		Severity:    models.AlertSeverityWarning,
		Category:    "resource",
		RuleID:      "rule-1",
		Metric:      "cpu_usage_percent",
		Threshold:   80,
		ActualValue: 92,
	}
}

func TestCreateAlertDedupByFingerprint(t *testing.T) {
	_, alerts, publisher, c := newTestStores(t)
	ctx := context.Background()

	first, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusActive, first.Status)
	require.Len(t, first.DataPoints, 1)

	// Same fingerprint: no new alert, one more data point.
	req := alertRequest()
	req.ActualValue = 95
	second, err := alerts.CreateAlert(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.DataPoints, 2)
	assert.Equal(t, 95.0, second.ActualValue)

	// Only one alert in the active set, only one created event published.
	members, err := c.SMembers(ctx, cache.KeyActiveAlerts)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	created := 0
	for _, topic := range publisher.published() {
		if topic == bus.TopicAlertCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestCreateAlertDataPointCap(t *testing.T) {
	_, alerts, _, _ := newTestStores(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	for i := 0; i < models.MaxAlertDataPoints+20; i++ {
		require.NoError(t, alerts.AppendObservation(ctx, alert, float64(i)))
	}
	assert.Len(t, alert.DataPoints, models.MaxAlertDataPoints)
	// The tail keeps the most recent observations.
	assert.Equal(t, float64(models.MaxAlertDataPoints+19), alert.DataPoints[len(alert.DataPoints)-1].Value)
}

func TestAcknowledgeLifecycle(t *testing.T) {
	_, alerts, publisher, _ := newTestStores(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	acked, err := alerts.AcknowledgeAlert(ctx, alert.ID, "alice", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedAt)
	require.Len(t, acked.Actions, 1)
	assert.Equal(t, "acknowledged", acked.Actions[0].Action)

	// Acknowledge is not idempotent: the second call is rejected.
	_, err = alerts.AcknowledgeAlert(ctx, alert.ID, "bob", "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	assert.Contains(t, publisher.published(), bus.TopicAlertAcknowledged)
}

func TestResolveIsIdempotentAndAbsorbing(t *testing.T) {
	_, alerts, _, c := newTestStores(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	resolved, err := alerts.ResolveAlert(ctx, alert.ID, "alice", "fixed")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	// Second resolve: same final state, no error.
	again, err := alerts.ResolveAlert(ctx, alert.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, again.Status)
	assert.Equal(t, resolved.ResolvedAt.Unix(), again.ResolvedAt.Unix())

	// Resolve is absorbing: no further lifecycle transitions apply.
	_, err = alerts.AcknowledgeAlert(ctx, alert.ID, "alice", "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	_, err = alerts.EscalateAlert(ctx, alert.ID, "alice", "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
	_, err = alerts.SuppressAlert(ctx, alert.ID, time.Minute, "quiet")
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)

	// Removed from the active set and fingerprint index.
	members, err := c.SMembers(ctx, cache.KeyActiveAlerts)
	require.NoError(t, err)
	assert.Empty(t, members)

	// A new alert with the same fingerprint may be created afterwards.
	fresh, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)
	assert.NotEqual(t, alert.ID, fresh.ID)
	assert.Equal(t, models.AlertStatusActive, fresh.Status)
}

func TestEscalateAlert(t *testing.T) {
	_, alerts, publisher, _ := newTestStores(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	escalated, err := alerts.EscalateAlert(ctx, alert.ID, "alice", "paging on-call")
	require.NoError(t, err)
	assert.Equal(t, 1, escalated.EscalationLevel)
	require.NotNil(t, escalated.EscalatedAt)

	// Escalation is allowed from Acknowledged as well.
	_, err = alerts.AcknowledgeAlert(ctx, alert.ID, "alice", "")
	require.NoError(t, err)
	twice, err := alerts.EscalateAlert(ctx, alert.ID, "alice", "still broken")
	require.NoError(t, err)
	assert.Equal(t, 2, twice.EscalationLevel)

	assert.Contains(t, publisher.published(), bus.TopicAlertEscalated)
}

func TestSuppressUnsuppress(t *testing.T) {
	_, alerts, _, c := newTestStores(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	suppressed, err := alerts.SuppressAlert(ctx, alert.ID, time.Hour, "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusSuppressed, suppressed.Status)

	val, ok, err := c.Get(ctx, cache.AlertSuppressionKey(alert.ID.String()))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "maintenance window", val)

	active, err := alerts.UnsuppressAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusActive, active.Status)

	_, ok, err = c.Get(ctx, cache.AlertSuppressionKey(alert.ID.String()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddCommentAlwaysAllowed(t *testing.T) {
	_, alerts, _, _ := newTestStores(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	_, err = alerts.ResolveAlert(ctx, alert.ID, "alice", "")
	require.NoError(t, err)

	commented, err := alerts.AddComment(ctx, alert.ID, "bob", "postmortem link")
	require.NoError(t, err)

	var comments int
	for _, action := range commented.Actions {
		if action.Action == "commented" {
			comments++
		}
	}
	assert.Equal(t, 1, comments)
}

func TestGetAlertNotFound(t *testing.T) {
	_, alerts, _, _ := newTestStores(t)
	_, err := alerts.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStatistics(t *testing.T) {
	_, alerts, _, _ := newTestStores(t)
	ctx := context.Background()

	_, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	critical := alertRequest()
	critical.RuleID = "rule-2"
	critical.Severity = models.AlertSeverityCritical
	_, err = alerts.CreateAlert(ctx, critical)
	require.NoError(t, err)

	stats, err := alerts.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.BySeverity[models.AlertSeverityWarning])
	assert.Equal(t, 1, stats.BySeverity[models.AlertSeverityCritical])
	assert.Equal(t, 2, stats.ByStatus[models.AlertStatusActive])
}
