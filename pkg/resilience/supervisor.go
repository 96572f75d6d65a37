package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
)

// Worker is a long-running background task. Run blocks until the context is
// cancelled or the worker fails; a nil return means clean shutdown.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc struct {
	WorkerName string
	Fn         func(ctx context.Context) error
}

// Name returns the worker name.
func (w WorkerFunc) Name() string { return w.WorkerName }

// Run invokes the wrapped function.
func (w WorkerFunc) Run(ctx context.Context) error { return w.Fn(ctx) }

// SupervisorConfig configures restart behavior.
type SupervisorConfig struct {
	// InitialBackoff is the delay before the first restart.
	InitialBackoff time.Duration
	// MaxBackoff caps the restart delay.
	MaxBackoff time.Duration
}

// DefaultSupervisorConfig returns the default restart policy.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Minute,
	}
}

// Supervisor runs workers and restarts them with exponential backoff when
// they exit with an error or panic. Clean exits are not restarted.
type Supervisor struct {
	cfg SupervisorConfig
	log *logger.Logger
	wg  sync.WaitGroup
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg SupervisorConfig, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg: cfg,
		log: log.WithComponent("supervisor"),
	}
}

// Start launches a worker under supervision.
func (s *Supervisor) Start(ctx context.Context, w Worker) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(ctx, w)
	}()
}

// Wait blocks until all supervised workers have stopped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, w Worker) {
	backoff := s.cfg.InitialBackoff

	for {
		err := s.runOnce(ctx, w)

		if ctx.Err() != nil {
			s.log.Info("worker stopped", "worker", w.Name())
			return
		}

		if err == nil {
			s.log.Info("worker exited cleanly", "worker", w.Name())
			return
		}

		s.log.Error("worker failed, restarting",
			"worker", w.Name(),
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// runOnce runs the worker, converting panics into errors.
func (s *Supervisor) runOnce(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Worker: w.Name(), Value: r}
		}
	}()
	return w.Run(ctx)
}

// PanicError wraps a recovered worker panic.
type PanicError struct {
	Worker string
	Value  any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return "worker " + e.Worker + " panicked"
}
