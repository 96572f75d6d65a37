package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker() *Breaker {
	return NewBreaker(&BreakerConfig{
		Name:             "test",
		MaxFailures:      3,
		Timeout:          50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	})
}

var errBoom = errors.New("boom")

func fail(ctx context.Context) error { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestBreakerTripsAfterMaxFailures(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open circuit rejects without invoking the function.
	err := b.Do(ctx, succeed)
	var openErr *BreakerOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)
	assert.GreaterOrEqual(t, openErr.RetryAfter(), time.Duration(0))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	// Successful test calls close the circuit again.
	require.NoError(t, b.Do(ctx, succeed))
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, fail)
	}
	time.Sleep(60 * time.Millisecond)

	assert.ErrorIs(t, b.Do(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	require.NoError(t, b.Do(ctx, succeed))
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerMetrics(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	_ = b.Do(ctx, succeed)
	_ = b.Do(ctx, fail)

	m := b.Metrics()
	assert.Equal(t, int64(2), m.TotalCalls)
	assert.Equal(t, int64(1), m.TotalSuccesses)
	assert.Equal(t, int64(1), m.TotalFailures)
	assert.Equal(t, "closed", m.State)
}

func TestBreakerReset(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Do(ctx, succeed))
}
