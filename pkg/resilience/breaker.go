// Package resilience provides reliability patterns for outbound calls and
// long-running background workers: a circuit breaker used around
// notification transports, and a supervisor that restarts workers with
// exponential backoff.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows requests to pass through.
	StateClosed State = iota

	// StateOpen blocks all requests.
	StateOpen

	// StateHalfOpen allows limited requests for testing recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// Name identifies this breaker (used in metrics and errors).
	Name string

	// MaxFailures is the threshold to trip the circuit.
	MaxFailures int

	// Timeout is how long the circuit stays open.
	Timeout time.Duration

	// HalfOpenMaxCalls is how many test calls to allow in half-open state.
	HalfOpenMaxCalls int

	// OnStateChange is called when the breaker changes state.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig(name string) *BreakerConfig {
	return &BreakerConfig{
		Name:             name,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	config *BreakerConfig

	mu            sync.RWMutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	halfOpenCalls int

	totalCalls     int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// NewBreaker creates a new circuit breaker.
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig("default")
	}
	return &Breaker{config: config, state: StateClosed}
}

// Do wraps a function with circuit breaker protection.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.Timeout {
			b.transition(StateHalfOpen)
			b.halfOpenCalls = 1
			return nil
		}
		b.totalRejected++
		return &BreakerOpenError{
			Name:     b.config.Name,
			RetryAt:  b.lastFailure.Add(b.config.Timeout),
			Failures: b.failures,
		}

	case StateHalfOpen:
		if b.halfOpenCalls < b.config.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return nil
		}
		b.totalRejected++
		return &BreakerOpenError{
			Name:     b.config.Name,
			RetryAt:  time.Now().Add(time.Second),
			Failures: b.failures,
		}
	}

	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.recordSuccess()
	} else {
		b.recordFailure()
	}
}

func (b *Breaker) recordSuccess() {
	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.HalfOpenMaxCalls {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.totalFailures++
	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		// Any failure in half-open trips back to open
		b.transition(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to

	if b.config.OnStateChange != nil {
		// Call async to avoid holding the lock
		go b.config.OnStateChange(b.config.Name, from, to)
	}
}

// State returns the current state of the breaker.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Metrics returns the breaker metrics.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerMetrics{
		Name:            b.config.Name,
		State:           b.state.String(),
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejected:   b.totalRejected,
		CurrentFailures: b.failures,
	}
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
}

// BreakerMetrics contains circuit breaker metrics.
type BreakerMetrics struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	TotalCalls      int64  `json:"total_calls"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	CurrentFailures int    `json:"current_failures"`
}

// BreakerOpenError is returned when the circuit is open.
type BreakerOpenError struct {
	Name     string
	RetryAt  time.Time
	Failures int
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (failures=%d, retry at %s)",
		e.Name, e.Failures, e.RetryAt.Format(time.RFC3339))
}

// RetryAfter returns the duration until retry.
func (e *BreakerOpenError) RetryAfter() time.Duration {
	d := time.Until(e.RetryAt)
	if d < 0 {
		return 0
	}
	return d
}
