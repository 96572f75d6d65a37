package workflow

import (
	"fmt"
	"time"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// CanaryPlanner plans deployments that validate a small host subset under
// live traffic before the fleet-wide rollout.
type CanaryPlanner struct{}

// Strategy returns the strategy tag.
func (p *CanaryPlanner) Strategy() models.DeploymentStrategy {
	return models.StrategyCanary
}

// canaryConfig bundles the decoded canary configuration sections.
type canaryConfig struct {
	Canary     CanaryConfiguration
	Traffic    TrafficSplitting
	Monitoring MonitoringConfiguration
}

func decodeCanaryConfig(config map[string]any) (*canaryConfig, error) {
	var cc canaryConfig
	if err := decodeSection(config, "CanaryConfiguration", &cc.Canary); err != nil {
		return nil, err
	}
	if err := decodeSection(config, "TrafficSplitting", &cc.Traffic); err != nil {
		return nil, err
	}
	if err := decodeSection(config, "MonitoringConfiguration", &cc.Monitoring); err != nil {
		return nil, err
	}
	return &cc, nil
}

// ValidateConfiguration enforces the required canary configuration keys.
func (p *CanaryPlanner) ValidateConfiguration(config map[string]any) error {
	cc, err := decodeCanaryConfig(config)
	if err != nil {
		return err
	}
	if cc.Canary.CanaryPercentage <= 0 || cc.Canary.CanaryPercentage > 100 {
		return fmt.Errorf("canaryPercentage must be in (0,100]: %w", errdefs.ErrInvalidConfiguration)
	}
	if parseDurationOr(cc.Canary.MonitoringDuration, 0) <= 0 {
		return fmt.Errorf("monitoringDuration is required: %w", errdefs.ErrInvalidConfiguration)
	}
	if cc.Traffic.Strategy == "" {
		return fmt.Errorf("traffic splitting strategy is required: %w", errdefs.ErrInvalidConfiguration)
	}
	if len(cc.Monitoring.Metrics) == 0 {
		return fmt.Errorf("monitoring metrics are required: %w", errdefs.ErrInvalidConfiguration)
	}
	return nil
}

// canaryServers resolves the canary host subset: the explicit list when
// provided, otherwise the first ceil(N*pct/100) targets.
func canaryServers(targets []string, cfg CanaryConfiguration) []string {
	if len(cfg.CanaryServers) > 0 {
		return cfg.CanaryServers
	}
	n := ceilDiv(len(targets)*int(cfg.CanaryPercentage), 100)
	if n < 1 {
		n = 1
	}
	if n > len(targets) {
		n = len(targets)
	}
	return targets[:n]
}

// Plan produces the canary phase sequence: Pre-Deployment, Canary Deploy,
// Canary Validation, Traffic Routing Setup, Canary Monitoring, the batched
// Production Deploy, Post-Deployment Validation and Canary Cleanup. When the
// canary covers every target the production phase collapses away.
func (p *CanaryPlanner) Plan(req *PlanRequest) ([]models.Phase, error) {
	if err := validatePackageURL(req.PackageURL); err != nil {
		return nil, err
	}
	cc, err := decodeCanaryConfig(req.Configuration)
	if err != nil {
		return nil, err
	}

	canary := canaryServers(req.TargetServers, cc.Canary)
	inCanary := make(map[string]bool, len(canary))
	for _, s := range canary {
		inCanary[s] = true
	}
	var production []string
	for _, s := range req.TargetServers {
		if !inCanary[s] {
			production = append(production, s)
		}
	}

	d := req.Defaults
	hc := HealthCheckConfiguration{}
	_ = decodeSection(req.Configuration, "HealthCheckConfiguration", &hc) // optional

	monitoringDuration := parseDurationOr(cc.Canary.MonitoringDuration, 15*time.Minute)

	phases := []models.Phase{
		newPhase("Pre-Deployment", d.PhaseTimeout, d.MaxRetries, false, nil,
			workerStep(models.StepTypeValidation, "package-validation", true, map[string]any{
				"packageUrl": req.PackageURL,
				"version":    req.Version,
			}),
		),
	}

	// Canary Deploy
	deploySteps := make([]models.Step, 0, 3*len(canary))
	for _, host := range canary {
		deploySteps = append(deploySteps,
			deployStep(req, host),
			serviceStep(models.StepTypeServiceStart, req, host),
			waitHealthyStep(req, host, hc),
		)
	}
	phases = append(phases, newPhase("Canary Deploy", d.PhaseTimeout, d.MaxRetries, true, canary, deploySteps...))

	// Canary Validation
	validateSteps := make([]models.Step, 0, len(canary)+1)
	for _, host := range canary {
		validateSteps = append(validateSteps, healthCheckStep(req, host))
	}
	validateSteps = append(validateSteps, workerStep(models.StepTypeValidation, "smoke-test", true, map[string]any{
		"serviceName": req.ServiceName,
		"servers":     canary,
	}))
	phases = append(phases, newPhase("Canary Validation", d.PhaseTimeout, d.MaxRetries, true, canary, validateSteps...))

	// Traffic Routing Setup
	phases = append(phases, newPhase("Traffic Routing Setup", d.PhaseTimeout, d.MaxRetries, true, canary,
		trafficStep("split", cc.Traffic.LoadBalancer, canary, cc.Canary.CanaryPercentage, true),
	))

	// Canary Monitoring: watch the configured metrics for the monitoring
	// window; the monitor worker fails the phase when a rollback trigger
	// threshold is crossed.
	phases = append(phases, newPhase("Canary Monitoring", monitoringDuration+d.PhaseTimeout, 0, true, canary,
		workerStep(models.StepTypeCustom, "canary-monitor", true, map[string]any{
			"serviceName":        req.ServiceName,
			"servers":            canary,
			"duration":           monitoringDuration.String(),
			"metrics":            cc.Monitoring.Metrics,
			"errorRateThreshold": cc.Canary.RollbackTriggers.ErrorRateThreshold,
			"latencyThresholdMs": cc.Canary.RollbackTriggers.LatencyThresholdMs,
		}),
	))

	// Production Deploy, batched. Collapsed when the canary covered the
	// whole fleet.
	if len(production) > 0 {
		batchSize := cc.Canary.BatchSize
		if batchSize <= 0 {
			batchSize = len(production)
		}
		batchDelay := parseDurationOr(cc.Canary.BatchDelay, 0)

		batches := chunkServers(production, batchSize)
		prodSteps := make([]models.Step, 0, 3*len(production))
		for bi, batch := range batches {
			for _, host := range batch {
				prodSteps = append(prodSteps,
					deployStep(req, host),
					serviceStep(models.StepTypeServiceStart, req, host),
					waitHealthyStep(req, host, hc),
				)
			}
			if batchDelay > 0 && bi < len(batches)-1 {
				last := &prodSteps[len(prodSteps)-1]
				last.Parameters["delayAfter"] = batchDelay.String()
			}
		}
		phases = append(phases, newPhase("Production Deploy", d.PhaseTimeout, d.MaxRetries, true, production, prodSteps...))
	}

	// Post-Deployment Validation
	postSteps := make([]models.Step, 0, len(req.TargetServers)+1)
	for _, host := range req.TargetServers {
		postSteps = append(postSteps, healthCheckStep(req, host))
	}
	postSteps = append(postSteps, workerStep(models.StepTypeValidation, "post-deployment-check", true, map[string]any{
		"serviceName": req.ServiceName,
		"servers":     req.TargetServers,
	}))
	phases = append(phases, newPhase("Post-Deployment Validation", d.PhaseTimeout, d.MaxRetries, false, req.TargetServers, postSteps...))

	// Canary Cleanup: restore full traffic and drop canary routing rules.
	phases = append(phases, newPhase("Canary Cleanup", d.PhaseTimeout, 0, false, nil,
		trafficStep("split", cc.Traffic.LoadBalancer, req.TargetServers, 100, false),
		workerStep(models.StepTypeCleanup, "canary-cleanup", false, map[string]any{
			"serviceName": req.ServiceName,
		}),
	))

	return phases, nil
}

// EstimateDuration gives a rough wall-clock estimate of the canary plan.
func (p *CanaryPlanner) EstimateDuration(req *PlanRequest) time.Duration {
	cc, err := decodeCanaryConfig(req.Configuration)
	if err != nil {
		return 0
	}
	monitoring := parseDurationOr(cc.Canary.MonitoringDuration, 15*time.Minute)
	return monitoring + time.Duration(len(req.TargetServers))*3*time.Minute + 15*time.Minute
}
