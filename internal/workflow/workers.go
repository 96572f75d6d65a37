package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/powerdaemonhq/powerdaemon/pkg/bus"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
	"github.com/powerdaemonhq/powerdaemon/pkg/metrics"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// MetricSampler reads windows of samples from the metrics aggregation
// store. It matches the alerting engine's query port so one client serves
// both engines.
type MetricSampler interface {
	Query(ctx context.Context, metric string, from, to time.Time, filters map[string]string) ([]float64, error)
}

// BuiltinWorkers assembles the worker registry used by planned steps.
func BuiltinWorkers(publisher bus.Publisher, probe HealthProbe, sampler MetricSampler, log *logger.Logger) WorkerMap {
	log = log.WithComponent("step-workers")
	return WorkerMap{
		"package-validation":    &packageValidationWorker{},
		"pre-rolling-check":     &fleetHealthWorker{probe: probe, log: log},
		"smoke-test":            &fleetHealthWorker{probe: probe, log: log},
		"endpoint-validation":   &fleetHealthWorker{probe: probe, log: log},
		"post-deployment-check": &fleetHealthWorker{probe: probe, log: log},
		"standby-validation":    &fleetHealthWorker{probe: probe, allowEmpty: true, log: log},
		"traffic-validation":    &fleetHealthWorker{probe: probe, log: log},
		"parallel-deploy":       &parallelDeployWorker{publisher: publisher, probe: probe, log: log},
		"wave-monitor":          &monitorWorker{sampler: sampler, log: log},
		"traffic-monitor":       &monitorWorker{sampler: sampler, log: log},
		"canary-monitor":        &monitorWorker{sampler: sampler, log: log},
		"deployment-cleanup":    &cleanupWorker{log: log},
		"environment-clean":     &cleanupWorker{log: log},
		"environment-snapshot":  &cleanupWorker{log: log},
		"canary-cleanup":        &cleanupWorker{log: log},
	}
}

// packageValidationWorker validates the package locator before anything is
// shipped to agents.
type packageValidationWorker struct{}

func (w *packageValidationWorker) Execute(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	locator, _ := step.Parameters["packageUrl"].(string)
	if err := validatePackageURL(locator); err != nil {
		return "", err
	}
	return fmt.Sprintf("package %s validated", locator), nil
}

// fleetHealthWorker checks that every server named by the step is healthy.
type fleetHealthWorker struct {
	probe      HealthProbe
	allowEmpty bool
	log        *logger.Logger
}

func (w *fleetHealthWorker) Execute(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	servers := stringSlice(step.Parameters["servers"])
	if len(servers) == 0 {
		if w.allowEmpty {
			return "no servers to check", nil
		}
		return "", fmt.Errorf("no servers named for health validation")
	}

	var unhealthy []string
	for _, host := range servers {
		healthy, err := w.probe.Check(ctx, host, wf.ServiceName)
		if err != nil || !healthy {
			unhealthy = append(unhealthy, host)
		}
	}
	if len(unhealthy) > 0 {
		return "", fmt.Errorf("%d/%d servers unhealthy: %v", len(unhealthy), len(servers), unhealthy)
	}
	return fmt.Sprintf("%d servers healthy", len(servers)), nil
}

// parallelDeployWorker is the external parallel worker backing a batch
// deploy step: it publishes one deploy command per server with bounded
// parallelism and health-gates each of them.
type parallelDeployWorker struct {
	publisher bus.Publisher
	probe     HealthProbe
	log       *logger.Logger
}

func (w *parallelDeployWorker) Execute(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	servers := stringSlice(step.Parameters["servers"])
	if len(servers) == 0 {
		return "", fmt.Errorf("no servers to deploy")
	}

	maxParallel := 0
	switch v := step.Parameters["maxParallelism"].(type) {
	case int:
		maxParallel = v
	case float64:
		maxParallel = int(v)
	}
	if maxParallel <= 0 {
		maxParallel = len(servers)
	}

	sem := make(chan struct{}, maxParallel)
	errs := make([]error, len(servers))
	var wg sync.WaitGroup

	for i, host := range servers {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, host string) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = w.deployOne(ctx, wf, step, host)
		}(i, host)
	}
	wg.Wait()

	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", servers[i], err))
		}
	}
	if len(failed) > 0 {
		return "", fmt.Errorf("deploy failed on %d/%d servers: %v", len(failed), len(servers), failed)
	}
	return fmt.Sprintf("deployed to %d servers", len(servers)), nil
}

func (w *parallelDeployWorker) deployOne(ctx context.Context, wf *models.Workflow, step *models.Step, host string) error {
	cmd := bus.DeploymentCommand{
		DeploymentID:   wf.ID.String(),
		TargetServerID: host,
		ServiceName:    wf.ServiceName,
		Strategy:       string(wf.Strategy),
		PackageURL:     wf.PackageURL,
		Version:        wf.Version,
		Configuration: map[string]string{
			"workflowId": wf.ID.String(),
			"stepId":     step.ID.String(),
		},
	}
	if err := w.publisher.Publish(ctx, bus.DeployTopic(host), wf.ID.String(), cmd); err != nil {
		return fmt.Errorf("publish deploy command: %w", err)
	}
	metrics.StepPublishes.WithLabelValues(string(models.StepTypeDeploy)).Inc()

	return waitHealthy(ctx, w.probe, host, wf.ServiceName, 2*time.Minute, 5*time.Second)
}

// monitorWorker watches the configured metrics for the step's duration and
// fails when a rollback trigger threshold is crossed. A failure here fails
// the monitoring phase, which carries rollbackOnFailure and so aborts the
// rollout.
type monitorWorker struct {
	sampler MetricSampler
	log     *logger.Logger
}

func (w *monitorWorker) Execute(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	duration := 5 * time.Minute
	if s, ok := step.Parameters["duration"].(string); ok {
		duration = parseDurationOr(s, duration)
	}

	errorRateThreshold := floatParam(step.Parameters, "errorRateThreshold")
	latencyThreshold := floatParam(step.Parameters, "latencyThresholdMs")

	// No sampler or no thresholds: plain settle wait.
	if w.sampler == nil || (errorRateThreshold <= 0 && latencyThreshold <= 0) {
		select {
		case <-time.After(duration):
			return fmt.Sprintf("monitored for %s", duration), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	checkInterval := duration / 10
	if checkInterval < 15*time.Second {
		checkInterval = 15 * time.Second
	}
	deadline := time.Now().Add(duration)

	for {
		select {
		case <-time.After(checkInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		if errorRateThreshold > 0 {
			if rate, ok := w.sample(ctx, wf, "error_rate_percent", checkInterval); ok && rate > errorRateThreshold {
				return "", fmt.Errorf("error rate %.2f%% exceeds rollback trigger %.2f%%", rate, errorRateThreshold)
			}
		}
		if latencyThreshold > 0 {
			if latency, ok := w.sample(ctx, wf, "service_response_time_ms", checkInterval); ok && latency > latencyThreshold {
				return "", fmt.Errorf("latency %.0fms exceeds rollback trigger %.0fms", latency, latencyThreshold)
			}
		}

		if time.Now().After(deadline) {
			return fmt.Sprintf("monitored for %s, all triggers clear", duration), nil
		}
	}
}

func (w *monitorWorker) sample(ctx context.Context, wf *models.Workflow, metric string, window time.Duration) (float64, bool) {
	now := time.Now()
	samples, err := w.sampler.Query(ctx, metric, now.Add(-window), now, map[string]string{"service": wf.ServiceName})
	if err != nil || len(samples) == 0 {
		return 0, false
	}
	var total float64
	for _, v := range samples {
		total += v
	}
	return total / float64(len(samples)), true
}

// cleanupWorker handles snapshot and cleanup steps. The heavy lifting
// happens agent-side; the worker only records the action.
type cleanupWorker struct {
	log *logger.Logger
}

func (w *cleanupWorker) Execute(ctx context.Context, wf *models.Workflow, step *models.Step) (string, error) {
	worker, _ := step.Parameters["worker"].(string)
	w.log.Debug("cleanup step executed", "worker", worker, "workflow_id", wf.ID)
	return worker + " done", nil
}

func floatParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
