package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
)

func testSupervisor() *Supervisor {
	return NewSupervisor(SupervisorConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}, logger.New("error", "text"))
}

func TestSupervisorRestartsFailingWorker(t *testing.T) {
	s := testSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s.Start(ctx, WorkerFunc{
		WorkerName: "flaky",
		Fn: func(ctx context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("transient failure")
			}
			<-ctx.Done()
			return nil
		},
	})

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}

func TestSupervisorRecoversPanics(t *testing.T) {
	s := testSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s.Start(ctx, WorkerFunc{
		WorkerName: "panicky",
		Fn: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				panic("unexpected state")
			}
			<-ctx.Done()
			return nil
		},
	})

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}

func TestSupervisorCleanExitNotRestarted(t *testing.T) {
	s := testSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s.Start(ctx, WorkerFunc{
		WorkerName: "oneshot",
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Wait()
	assert.Equal(t, int32(1), runs.Load())
}

func TestSupervisorStopsOnCancel(t *testing.T) {
	s := testSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx, WorkerFunc{
		WorkerName: "blocker",
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	cancel()
	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}
