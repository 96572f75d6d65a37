package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/bus"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/metrics"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// StepRunner dispatches steps to the bus, the health probe, the load
// balancer or a named worker. The switch over step types is closed: an
// unknown type is a planner bug, not extensibility surface.
type StepRunner struct {
	publisher bus.Publisher
	probe     HealthProbe
	lb        LoadBalancer
	workers   WorkerRegistry
	log       *logger.Logger
}

// NewStepRunner creates the step dispatcher used by the executor.
func NewStepRunner(publisher bus.Publisher, probe HealthProbe, lb LoadBalancer, workers WorkerRegistry, log *logger.Logger) *StepRunner {
	return &StepRunner{
		publisher: publisher,
		probe:     probe,
		lb:        lb,
		workers:   workers,
		log:       log.WithComponent("step-runner"),
	}
}

// run executes one step attempt and returns its output.
func (r *StepRunner) run(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	switch step.Type {
	case models.StepTypeDeploy:
		return r.runDeploy(ctx, wf, step)

	case models.StepTypeServiceStart:
		return r.runServiceCommand(ctx, wf, step, "start")
	case models.StepTypeServiceStop:
		return r.runServiceCommand(ctx, wf, step, "stop")
	case models.StepTypeServiceRestart:
		return r.runServiceCommand(ctx, wf, step, "restart")

	case models.StepTypeHealthCheck:
		return r.runHealthCheck(ctx, wf, step)

	case models.StepTypeWaitForHealthy:
		return r.runWaitForHealthy(ctx, wf, step)

	case models.StepTypeTrafficSwitch:
		return r.runTrafficSwitch(ctx, step)

	case models.StepTypeValidation, models.StepTypeCleanup, models.StepTypeCustom:
		return r.runWorker(ctx, wf, step)

	default:
		return "", fmt.Errorf("unknown step type %q: %w", step.Type, errdefs.ErrInternal)
	}
}

// runDeploy publishes a deployment command addressed to the step's host.
// Batch deploys carry a worker name and delegate to the parallel worker
// instead.
func (r *StepRunner) runDeploy(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	if _, ok := step.Parameters["worker"]; ok {
		return r.runWorker(ctx, wf, step)
	}

	cmd := bus.DeploymentCommand{
		DeploymentID:   wf.ID.String(),
		TargetServerID: step.TargetServer,
		ServiceName:    wf.ServiceName,
		Strategy:       string(wf.Strategy),
		PackageURL:     wf.PackageURL,
		Version:        wf.Version,
		Configuration: map[string]string{
			"workflowId": wf.ID.String(),
			"stepId":     step.ID.String(),
		},
	}
	for k, v := range step.Parameters {
		if s, ok := v.(string); ok {
			cmd.Configuration[k] = s
		}
	}

	if err := r.publisher.Publish(ctx, bus.DeployTopic(step.TargetServer), wf.ID.String(), cmd); err != nil {
		return "", fmt.Errorf("publish deploy command: %w", errdefs.ErrDependencyUnavailable)
	}
	metrics.StepPublishes.WithLabelValues(string(step.Type)).Inc()
	return fmt.Sprintf("deploy command published to %s", step.TargetServer), nil
}

// runServiceCommand publishes a service control command.
func (r *StepRunner) runServiceCommand(ctx context.Context, wf *models.Workflow, step *models.Step, verb string) (string, error) {
	cmd := bus.ServiceCommand{
		DeploymentID:   wf.ID.String(),
		TargetServerID: step.TargetServer,
		ServiceName:    wf.ServiceName,
		Command:        verb,
		WorkflowID:     wf.ID.String(),
		StepID:         step.ID.String(),
	}

	if err := r.publisher.Publish(ctx, bus.ServiceTopic(step.TargetServer), wf.ID.String(), cmd); err != nil {
		return "", fmt.Errorf("publish service command: %w", errdefs.ErrDependencyUnavailable)
	}
	metrics.StepPublishes.WithLabelValues(string(step.Type)).Inc()
	return fmt.Sprintf("service %s command published to %s", verb, step.TargetServer), nil
}

// runHealthCheck performs a single synchronous probe call.
func (r *StepRunner) runHealthCheck(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	healthy, err := r.probe.Check(ctx, step.TargetServer, wf.ServiceName)
	if err != nil {
		return "", fmt.Errorf("health probe %s: %w", step.TargetServer, err)
	}
	if !healthy {
		return "", fmt.Errorf("host %s unhealthy", step.TargetServer)
	}
	return "healthy", nil
}

// runWaitForHealthy polls the probe until healthy or the step's wait budget
// expires. Deploy completion is awaited this way; the deploy publish itself
// is fire-and-forget.
func (r *StepRunner) runWaitForHealthy(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	timeout := 2 * time.Minute
	if s, ok := step.Parameters["timeout"].(string); ok {
		timeout = parseDurationOr(s, timeout)
	}
	interval := 5 * time.Second
	if s, ok := step.Parameters["interval"].(string); ok {
		interval = parseDurationOr(s, interval)
	}

	if err := waitHealthy(ctx, r.probe, step.TargetServer, wf.ServiceName, timeout, interval); err != nil {
		return "", fmt.Errorf("host %s not healthy within %s: %w", step.TargetServer, timeout, errdefs.ErrTimeout)
	}
	return "healthy", nil
}

// runTrafficSwitch mutates the load balancer locally.
func (r *StepRunner) runTrafficSwitch(ctx context.Context, step *models.Step) (string, error) {
	endpoint, _ := step.Parameters["endpoint"].(string)
	apiKey, _ := step.Parameters["apiKey"].(string)
	action, _ := step.Parameters["action"].(string)

	servers := stringSlice(step.Parameters["servers"])
	if len(servers) == 0 && step.TargetServer != "" {
		servers = []string{step.TargetServer}
	}

	switch action {
	case "add":
		for _, host := range servers {
			if err := r.lb.AddServer(ctx, endpoint, apiKey, host); err != nil {
				return "", fmt.Errorf("add %s to load balancer: %w", host, err)
			}
		}
	case "remove":
		for _, host := range servers {
			if err := r.lb.RemoveServer(ctx, endpoint, apiKey, host); err != nil {
				return "", fmt.Errorf("remove %s from load balancer: %w", host, err)
			}
		}
	case "split":
		percent, _ := step.Parameters["percent"].(float64)
		if err := r.lb.SetTrafficSplit(ctx, endpoint, apiKey, servers, percent); err != nil {
			return "", fmt.Errorf("set traffic split: %w", err)
		}
	default:
		return "", fmt.Errorf("unknown traffic action %q: %w", action, errdefs.ErrInternal)
	}

	return fmt.Sprintf("traffic %s applied", action), nil
}

// runWorker delegates to a named external worker.
func (r *StepRunner) runWorker(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	name, _ := step.Parameters["worker"].(string)
	worker, ok := r.workers.Get(name)
	if !ok {
		return "", fmt.Errorf("worker %q not registered: %w", name, errdefs.ErrInternal)
	}
	return worker.Execute(ctx, wf, step)
}

// stringSlice coerces a parameter value into a string slice. Parameters
// round-trip through JSON, so both []string and []any appear.
func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
