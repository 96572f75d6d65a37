package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/metrics"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
	"github.com/powerdaemonhq/powerdaemon/pkg/resilience"
)

// maxConcurrentSends caps batch notification concurrency.
const maxConcurrentSends = 5

// Sender delivers an alert notification through one transport.
type Sender interface {
	Send(ctx context.Context, alert *models.Alert, channel models.NotificationChannel) error
}

// ChannelStore resolves notification channel descriptors by name.
type ChannelStore interface {
	Get(name string) (models.NotificationChannel, bool)
}

// ChannelMap is a static ChannelStore.
type ChannelMap map[string]models.NotificationChannel

// Get resolves a channel descriptor by name.
func (m ChannelMap) Get(name string) (models.NotificationChannel, bool) {
	ch, ok := m[name]
	return ch, ok
}

// pendingRetry is one failed dispatch awaiting redelivery.
type pendingRetry struct {
	alert    *models.Alert
	channel  string
	attempts int
	nextTry  time.Time
}

// Dispatcher routes alerts to notification channels. Handlers are keyed by
// channel type; disabled channels are skipped. Failed sends are queued for
// the bounded retry worker.
type Dispatcher struct {
	channels ChannelStore
	store    *AlertStore
	breaker  *resilience.Breaker
	log      *logger.Logger

	maxRetries    int
	retryInterval time.Duration

	mu       sync.Mutex
	handlers map[string]Sender
	retries  []pendingRetry
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(channels ChannelStore, store *AlertStore, maxRetries int, retryInterval time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		channels:      channels,
		store:         store,
		breaker:       resilience.NewBreaker(resilience.DefaultBreakerConfig("notifications")),
		log:           log.WithComponent("notification-dispatcher"),
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		handlers:      make(map[string]Sender),
	}
}

// RegisterHandler installs a sender for a channel type.
func (d *Dispatcher) RegisterHandler(channelType string, sender Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[channelType] = sender
}

// Dispatch sends an alert to the named channels, at most five concurrently.
// Notification errors never affect alert state.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert, channelNames []string) {
	sem := make(chan struct{}, maxConcurrentSends)
	var wg sync.WaitGroup

	for _, name := range channelNames {
		wg.Add(1)
		sem <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()
			d.send(ctx, alert, name, 0)
		}(name)
	}
	wg.Wait()
}

// DispatchAsync dispatches without blocking the caller.
func (d *Dispatcher) DispatchAsync(alert *models.Alert, channelNames []string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		d.Dispatch(ctx, alert, channelNames)
	}()
}

// send performs one delivery attempt and records the outcome.
func (d *Dispatcher) send(ctx context.Context, alert *models.Alert, channelName string, attempt int) {
	channel, ok := d.channels.Get(channelName)
	if !ok {
		d.log.Warn("unknown notification channel", "channel", channelName)
		return
	}
	if !channel.Enabled {
		d.log.Debug("skipping disabled channel", "channel", channelName)
		return
	}

	d.mu.Lock()
	handler, ok := d.handlers[channel.Type]
	d.mu.Unlock()
	if !ok {
		d.log.Warn("no handler for channel type", "channel", channelName, "type", channel.Type)
		return
	}

	err := d.breaker.Do(ctx, func(ctx context.Context) error {
		return handler.Send(ctx, alert, channel)
	})

	record := models.AlertNotification{
		Channel:   channelName,
		Success:   err == nil,
		Timestamp: time.Now(),
	}
	if err != nil {
		record.Error = err.Error()
		metrics.NotificationsSent.WithLabelValues(channel.Type, "failed").Inc()
		d.log.Warn("notification failed", "channel", channelName, "attempt", attempt, "error", err)
		d.queueRetry(alert, channelName, attempt)
	} else {
		metrics.NotificationsSent.WithLabelValues(channel.Type, "sent").Inc()
	}

	d.store.RecordNotification(ctx, alert.ID, record)
}

// queueRetry schedules a failed dispatch for redelivery within the bounded
// retry policy.
func (d *Dispatcher) queueRetry(alert *models.Alert, channelName string, attempt int) {
	if attempt >= d.maxRetries {
		d.log.Error("notification retries exhausted", "channel", channelName, "alert_id", alert.ID)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retries = append(d.retries, pendingRetry{
		alert:    alert,
		channel:  channelName,
		attempts: attempt + 1,
		nextTry:  time.Now().Add(d.retryInterval),
	})
}

// RetryWorker drains the retry queue. It runs under the supervisor.
type RetryWorker struct {
	dispatcher *Dispatcher
	interval   time.Duration
}

// NewRetryWorker creates the notification retry worker.
func NewRetryWorker(d *Dispatcher, interval time.Duration) *RetryWorker {
	return &RetryWorker{dispatcher: d, interval: interval}
}

// Name implements the supervised worker contract.
func (w *RetryWorker) Name() string { return "notification-retry" }

// Run periodically redelivers failed notifications.
func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *RetryWorker) drain(ctx context.Context) {
	d := w.dispatcher
	now := time.Now()

	d.mu.Lock()
	var due, later []pendingRetry
	for _, r := range d.retries {
		if r.nextTry.Before(now) {
			due = append(due, r)
		} else {
			later = append(later, r)
		}
	}
	d.retries = later
	d.mu.Unlock()

	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		d.send(ctx, r.alert, r.channel, r.attempts)
	}
}

// PendingRetries reports the retry queue depth, for diagnostics.
func (d *Dispatcher) PendingRetries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retries)
}

// BuildChannels derives the static channel map from notification
// configuration.
func BuildChannels(slackEnabled bool, slackWebhook, slackChannel string, emailEnabled bool, emailTo string, webhookEnabled bool, webhookURL string) ChannelMap {
	return ChannelMap{
		"slack": {
			Name:    "slack",
			Type:    "slack",
			Enabled: slackEnabled,
			Settings: map[string]string{
				"webhookUrl": slackWebhook,
				"channel":    slackChannel,
			},
		},
		"email": {
			Name:    "email",
			Type:    "email",
			Enabled: emailEnabled,
			Settings: map[string]string{
				"to": emailTo,
			},
		},
		"webhook": {
			Name:    "webhook",
			Type:    "webhook",
			Enabled: webhookEnabled,
			Settings: map[string]string{
				"url": webhookURL,
			},
		},
	}
}
