package workflow

import (
	"fmt"
	"time"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// BlueGreenPlanner plans deployments into an idle environment followed by an
// atomic traffic switch.
type BlueGreenPlanner struct{}

// Strategy returns the strategy tag.
func (p *BlueGreenPlanner) Strategy() models.DeploymentStrategy {
	return models.StrategyBlueGreen
}

// blueGreenConfig bundles the decoded blue/green configuration sections.
type blueGreenConfig struct {
	Blue  EnvironmentConfig
	Green EnvironmentConfig
	LB    LoadBalancerConfig
}

func decodeBlueGreenConfig(config map[string]any) (*blueGreenConfig, error) {
	var bg blueGreenConfig
	if err := decodeSection(config, "BlueEnvironment", &bg.Blue); err != nil {
		return nil, err
	}
	if err := decodeSection(config, "GreenEnvironment", &bg.Green); err != nil {
		return nil, err
	}
	if err := decodeSection(config, "LoadBalancerConfig", &bg.LB); err != nil {
		return nil, err
	}
	return &bg, nil
}

// ValidateConfiguration enforces the required blue/green configuration keys.
func (p *BlueGreenPlanner) ValidateConfiguration(config map[string]any) error {
	bg, err := decodeBlueGreenConfig(config)
	if err != nil {
		return err
	}
	if bg.LB.Endpoint == "" {
		return fmt.Errorf("load balancer endpoint is required: %w", errdefs.ErrInvalidConfiguration)
	}
	if bg.LB.APIKey == "" {
		return fmt.Errorf("load balancer api key is required: %w", errdefs.ErrInvalidConfiguration)
	}
	return nil
}

// splitEnvironments resolves the blue and green server sets. Explicit lists
// win; otherwise even-indexed targets are blue and odd-indexed are green.
func splitEnvironments(targets []string, bg *blueGreenConfig) (blue, green []string) {
	if len(bg.Blue.Servers) > 0 || len(bg.Green.Servers) > 0 {
		return bg.Blue.Servers, bg.Green.Servers
	}
	for i, s := range targets {
		if i%2 == 0 {
			blue = append(blue, s)
		} else {
			green = append(green, s)
		}
	}
	return blue, green
}

// Plan produces the blue/green phase sequence: Pre-Deployment, Green Prep,
// Green Deploy, Green Validation, Traffic Switch, Blue Validation and a
// Post-Deployment Cleanup that never triggers rollback.
func (p *BlueGreenPlanner) Plan(req *PlanRequest) ([]models.Phase, error) {
	if err := validatePackageURL(req.PackageURL); err != nil {
		return nil, err
	}
	bg, err := decodeBlueGreenConfig(req.Configuration)
	if err != nil {
		return nil, err
	}

	blue, green := splitEnvironments(req.TargetServers, bg)
	if len(green) == 0 {
		return nil, fmt.Errorf("green environment has no servers: %w", errdefs.ErrInvalidConfiguration)
	}

	d := req.Defaults
	hc := HealthCheckConfiguration{}
	_ = decodeSection(req.Configuration, "HealthCheckConfiguration", &hc) // optional

	phases := []models.Phase{
		newPhase("Pre-Deployment", d.PhaseTimeout, d.MaxRetries, false, nil,
			workerStep(models.StepTypeValidation, "package-validation", true, map[string]any{
				"packageUrl": req.PackageURL,
				"version":    req.Version,
			}),
		),
	}

	// Green Prep: stop the old version and clean the green servers.
	prepSteps := make([]models.Step, 0, len(green)+1)
	for _, host := range green {
		stop := serviceStep(models.StepTypeServiceStop, req, host)
		stop.Parameters["critical"] = false // old version may not be running
		prepSteps = append(prepSteps, stop)
	}
	prepSteps = append(prepSteps, workerStep(models.StepTypeCleanup, "environment-clean", true, map[string]any{
		"serviceName": req.ServiceName,
		"servers":     green,
	}))
	phases = append(phases, newPhase("Green Prep", d.PhaseTimeout, d.MaxRetries, false, green, prepSteps...))

	// Green Deploy: deploy, start and health-gate each green server.
	deploySteps := make([]models.Step, 0, 3*len(green))
	for _, host := range green {
		deploySteps = append(deploySteps,
			deployStep(req, host),
			serviceStep(models.StepTypeServiceStart, req, host),
			waitHealthyStep(req, host, hc),
		)
	}
	phases = append(phases, newPhase("Green Deploy", d.PhaseTimeout, d.MaxRetries, true, green, deploySteps...))

	// Green Validation: health, smoke and endpoint checks.
	validateSteps := make([]models.Step, 0, len(green)+2)
	for _, host := range green {
		validateSteps = append(validateSteps, healthCheckStep(req, host))
	}
	validateSteps = append(validateSteps,
		workerStep(models.StepTypeValidation, "smoke-test", true, map[string]any{
			"serviceName": req.ServiceName,
			"servers":     green,
		}),
		workerStep(models.StepTypeValidation, "endpoint-validation", true, map[string]any{
			"serviceName": req.ServiceName,
			"servers":     green,
		}),
	)
	phases = append(phases, newPhase("Green Validation", d.PhaseTimeout, d.MaxRetries, true, green, validateSteps...))

	// Traffic Switch: route production traffic to green, validate, then
	// watch it for five minutes before touching blue.
	phases = append(phases, newPhase("Traffic Switch", d.PhaseTimeout, d.MaxRetries, true, green,
		trafficStep("split", bg.LB, green, 100, true),
		workerStep(models.StepTypeValidation, "traffic-validation", true, map[string]any{
			"serviceName": req.ServiceName,
			"servers":     green,
		}),
		workerStep(models.StepTypeCustom, "traffic-monitor", true, map[string]any{
			"serviceName": req.ServiceName,
			"servers":     green,
			"duration":    (5 * time.Minute).String(),
		}),
	))

	// Blue Validation: confirm the drained environment is intact as the
	// rollback target before it is shut down.
	blueSteps := make([]models.Step, 0, len(blue)+1)
	for _, host := range blue {
		blueSteps = append(blueSteps, healthCheckStep(req, host))
	}
	blueSteps = append(blueSteps, workerStep(models.StepTypeValidation, "standby-validation", true, map[string]any{
		"serviceName": req.ServiceName,
		"servers":     blue,
	}))
	phases = append(phases, newPhase("Blue Validation", d.PhaseTimeout, d.MaxRetries, false, blue, blueSteps...))

	// Post-Deployment Cleanup: snapshot blue, stop it, clean it. Failures
	// here never roll the release back.
	cleanupSteps := []models.Step{
		workerStep(models.StepTypeCustom, "environment-snapshot", false, map[string]any{
			"serviceName": req.ServiceName,
			"servers":     blue,
		}),
	}
	for _, host := range blue {
		stop := serviceStep(models.StepTypeServiceStop, req, host)
		stop.Parameters["critical"] = false
		cleanupSteps = append(cleanupSteps, stop)
	}
	cleanupSteps = append(cleanupSteps, workerStep(models.StepTypeCleanup, "environment-clean", false, map[string]any{
		"serviceName": req.ServiceName,
		"servers":     blue,
	}))
	phases = append(phases, newPhase("Post-Deployment Cleanup", d.PhaseTimeout, 0, false, blue, cleanupSteps...))

	return phases, nil
}

// EstimateDuration gives a rough wall-clock estimate of the blue/green plan.
func (p *BlueGreenPlanner) EstimateDuration(req *PlanRequest) time.Duration {
	bg, err := decodeBlueGreenConfig(req.Configuration)
	if err != nil {
		return 0
	}
	_, green := splitEnvironments(req.TargetServers, bg)
	return time.Duration(len(green))*3*time.Minute + 25*time.Minute
}
