package alerting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// countingSender records sends and optionally fails the first N.
type countingSender struct {
	mu       sync.Mutex
	sent     int
	failNext int
}

func (s *countingSender) Send(ctx context.Context, alert *models.Alert, channel models.NotificationChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("transport down")
	}
	s.sent++
	return nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func testChannels() ChannelMap {
	return ChannelMap{
		"ops-slack": {Name: "ops-slack", Type: "slack", Enabled: true},
		"dead":      {Name: "dead", Type: "slack", Enabled: false},
		"ops-mail":  {Name: "ops-mail", Type: "email", Enabled: true},
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *AlertStore, *countingSender) {
	t.Helper()
	_, alerts, _, _ := newTestStores(t)
	dispatcher := NewDispatcher(testChannels(), alerts, 3, 10*time.Millisecond, testLogger())
	sender := &countingSender{}
	dispatcher.RegisterHandler("slack", sender)
	return dispatcher, alerts, sender
}

func TestDispatchRecordsNotificationLog(t *testing.T) {
	dispatcher, alerts, sender := newTestDispatcher(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	dispatcher.Dispatch(ctx, alert, []string{"ops-slack"})

	assert.Equal(t, 1, sender.count())
	got, err := alerts.Get(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, got.Notifications, 1)
	assert.True(t, got.Notifications[0].Success)
	assert.Equal(t, "ops-slack", got.Notifications[0].Channel)
}

func TestDispatchSkipsDisabledChannel(t *testing.T) {
	dispatcher, alerts, sender := newTestDispatcher(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	dispatcher.Dispatch(ctx, alert, []string{"dead"})
	assert.Zero(t, sender.count())

	got, err := alerts.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Notifications)
}

func TestDispatchUnknownHandlerType(t *testing.T) {
	dispatcher, alerts, _ := newTestDispatcher(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	// ops-mail has no registered email handler: skipped without a record.
	dispatcher.Dispatch(ctx, alert, []string{"ops-mail"})
	got, err := alerts.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Notifications)
}

func TestDispatchFailureQueuesRetry(t *testing.T) {
	dispatcher, alerts, sender := newTestDispatcher(t)
	ctx := context.Background()

	alert, err := alerts.CreateAlert(ctx, alertRequest())
	require.NoError(t, err)

	sender.mu.Lock()
	sender.failNext = 1
	sender.mu.Unlock()

	dispatcher.Dispatch(ctx, alert, []string{"ops-slack"})
	assert.Equal(t, 1, dispatcher.PendingRetries())

	// Failure was recorded on the alert; alert state is unaffected.
	got, err := alerts.Get(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, got.Notifications, 1)
	assert.False(t, got.Notifications[0].Success)
	assert.Equal(t, models.AlertStatusActive, got.Status)

	// The retry worker redelivers once the backoff elapses.
	worker := NewRetryWorker(dispatcher, 20*time.Millisecond)
	wctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	go func() { _ = worker.Run(wctx) }()

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, dispatcher.PendingRetries())
}

func TestDispatchRetriesBounded(t *testing.T) {
	_, alerts, _, _ := newTestStores(t)
	dispatcher := NewDispatcher(testChannels(), alerts, 0, time.Millisecond, testLogger())
	sender := &countingSender{failNext: 10}
	dispatcher.RegisterHandler("slack", sender)

	alert, err := alerts.CreateAlert(context.Background(), alertRequest())
	require.NoError(t, err)

	dispatcher.Dispatch(context.Background(), alert, []string{"ops-slack"})

	// maxRetries of zero: failures are final, nothing is queued.
	assert.Zero(t, dispatcher.PendingRetries())
}
