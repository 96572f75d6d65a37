package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// RollingPlanner plans wave-by-wave deployments across the target set.
type RollingPlanner struct{}

// Strategy returns the strategy tag.
func (p *RollingPlanner) Strategy() models.DeploymentStrategy {
	return models.StrategyRolling
}

// rollingConfig bundles the decoded rolling configuration sections.
type rollingConfig struct {
	Rolling RollingConfiguration
	Waves   WaveConfiguration
	Health  HealthCheckConfiguration
}

func decodeRollingConfig(config map[string]any) (*rollingConfig, error) {
	var rc rollingConfig
	if err := decodeSection(config, "RollingConfiguration", &rc.Rolling); err != nil {
		return nil, err
	}
	if err := decodeSection(config, "WaveConfiguration", &rc.Waves); err != nil {
		return nil, err
	}
	if err := decodeSection(config, "HealthCheckConfiguration", &rc.Health); err != nil {
		return nil, err
	}
	return &rc, nil
}

// ValidateConfiguration enforces the required rolling configuration keys.
func (p *RollingPlanner) ValidateConfiguration(config map[string]any) error {
	rc, err := decodeRollingConfig(config)
	if err != nil {
		return err
	}

	switch rc.Waves.Strategy {
	case WaveFixedSize:
		if rc.Waves.WaveSize <= 0 {
			return fmt.Errorf("fixed_size waves require waveSize > 0: %w", errdefs.ErrInvalidConfiguration)
		}
	case WavePercentage:
		if rc.Waves.WavePercentage <= 0 || rc.Waves.WavePercentage > 100 {
			return fmt.Errorf("percentage waves require wavePercentage in (0,100]: %w", errdefs.ErrInvalidConfiguration)
		}
	case WaveGeographic:
		if len(rc.Waves.GeographicGroups) == 0 {
			return fmt.Errorf("geographic waves require geographicGroups: %w", errdefs.ErrInvalidConfiguration)
		}
	case WaveCustom:
		if len(rc.Waves.CustomWaves) == 0 {
			return fmt.Errorf("custom waves require customWaves: %w", errdefs.ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("unknown wave strategy %q: %w", rc.Waves.Strategy, errdefs.ErrInvalidConfiguration)
	}

	return nil
}

// Plan produces the rolling phase sequence:
// Pre-Deployment, Pre-Rolling Validation, then per wave W: Wave-W Deployment,
// Wave-W Validation and (except for the last wave) Wave-W Monitoring,
// followed by Post-Deployment Validation and Cleanup.
func (p *RollingPlanner) Plan(req *PlanRequest) ([]models.Phase, error) {
	if err := validatePackageURL(req.PackageURL); err != nil {
		return nil, err
	}
	rc, err := decodeRollingConfig(req.Configuration)
	if err != nil {
		return nil, err
	}

	waves := computeWaves(req.TargetServers, rc.Waves)
	if len(waves) == 0 {
		return nil, fmt.Errorf("wave computation produced no waves: %w", errdefs.ErrInvalidConfiguration)
	}

	d := req.Defaults
	phases := []models.Phase{
		newPhase("Pre-Deployment", d.PhaseTimeout, d.MaxRetries, false, nil,
			workerStep(models.StepTypeValidation, "package-validation", true, map[string]any{
				"packageUrl": req.PackageURL,
				"version":    req.Version,
			}),
		),
		newPhase("Pre-Rolling Validation", d.PhaseTimeout, d.MaxRetries, false, req.TargetServers,
			workerStep(models.StepTypeValidation, "pre-rolling-check", true, map[string]any{
				"serviceName": req.ServiceName,
				"servers":     req.TargetServers,
			}),
		),
	}

	waveInterval := parseDurationOr(rc.Waves.WaveInterval, 5*time.Minute)
	serverDelay := parseDurationOr(rc.Waves.DelayBetweenServers, 0)

	for i, wave := range waves {
		name := fmt.Sprintf("Wave-%d", i+1)

		deploySteps := p.waveDeploySteps(req, rc, wave, serverDelay)
		phases = append(phases, newPhase(name+" Deployment", d.PhaseTimeout, d.MaxRetries, true, wave, deploySteps...))

		validateSteps := make([]models.Step, 0, len(wave)+1)
		for _, host := range wave {
			validateSteps = append(validateSteps, healthCheckStep(req, host))
		}
		validateSteps = append(validateSteps, workerStep(models.StepTypeValidation, "smoke-test", true, map[string]any{
			"serviceName": req.ServiceName,
			"servers":     wave,
		}))
		phases = append(phases, newPhase(name+" Validation", d.PhaseTimeout, d.MaxRetries, true, wave, validateSteps...))

		if i < len(waves)-1 {
			phases = append(phases, newPhase(name+" Monitoring", waveInterval+d.PhaseTimeout, 0, false, wave,
				workerStep(models.StepTypeCustom, "wave-monitor", true, map[string]any{
					"serviceName": req.ServiceName,
					"servers":     wave,
					"duration":    waveInterval.String(),
				}),
			))
		}
	}

	postSteps := make([]models.Step, 0, len(req.TargetServers)+1)
	for _, host := range req.TargetServers {
		postSteps = append(postSteps, healthCheckStep(req, host))
	}
	postSteps = append(postSteps, workerStep(models.StepTypeValidation, "post-deployment-check", true, map[string]any{
		"serviceName": req.ServiceName,
		"servers":     req.TargetServers,
	}))
	phases = append(phases,
		newPhase("Post-Deployment Validation", d.PhaseTimeout, d.MaxRetries, false, req.TargetServers, postSteps...),
		newPhase("Cleanup", d.PhaseTimeout, 0, false, nil,
			workerStep(models.StepTypeCleanup, "deployment-cleanup", false, map[string]any{
				"serviceName": req.ServiceName,
				"version":     req.Version,
			}),
		),
	)

	return phases, nil
}

// waveDeploySteps builds the deployment steps for one wave. Parallel mode is
// a single logical step delegating to the parallel deploy worker; sequential
// mode deploys and health-gates each server in turn, removing it from and
// re-adding it to the load balancer only when a load balancer endpoint is
// configured.
func (p *RollingPlanner) waveDeploySteps(req *PlanRequest, rc *rollingConfig, wave []string, serverDelay time.Duration) []models.Step {
	if rc.Waves.ParallelDeploymentWithinWave {
		return []models.Step{
			workerStep(models.StepTypeDeploy, "parallel-deploy", true, map[string]any{
				"packageUrl":     req.PackageURL,
				"version":        req.Version,
				"serviceName":    req.ServiceName,
				"servers":        wave,
				"maxParallelism": rc.Waves.MaxParallelism,
			}),
		}
	}

	lb := rc.Rolling.LoadBalancer
	useLB := lb.Endpoint != ""

	var steps []models.Step
	for i, host := range wave {
		if useLB {
			steps = append(steps, trafficStep("remove", lb, []string{host}, 0, false))
		}
		steps = append(steps,
			deployStep(req, host),
			serviceStep(models.StepTypeServiceStart, req, host),
			waitHealthyStep(req, host, rc.Health),
		)
		if useLB {
			steps = append(steps, trafficStep("add", lb, []string{host}, 0, true))
		}
		if serverDelay > 0 && i < len(wave)-1 {
			last := &steps[len(steps)-1]
			last.Parameters["delayAfter"] = serverDelay.String()
		}
	}
	return steps
}

// EstimateDuration gives a rough wall-clock estimate of the rolling plan.
func (p *RollingPlanner) EstimateDuration(req *PlanRequest) time.Duration {
	rc, err := decodeRollingConfig(req.Configuration)
	if err != nil {
		return 0
	}
	waves := computeWaves(req.TargetServers, rc.Waves)
	if len(waves) == 0 {
		return 0
	}

	perServer := 3 * time.Minute
	waveInterval := parseDurationOr(rc.Waves.WaveInterval, 5*time.Minute)

	var total time.Duration
	for _, wave := range waves {
		if rc.Waves.ParallelDeploymentWithinWave {
			total += perServer
		} else {
			total += time.Duration(len(wave)) * perServer
		}
	}
	total += time.Duration(len(waves)-1) * waveInterval
	return total + 10*time.Minute
}

// computeWaves splits the ordered target list into deployment waves. Empty
// waves produced by rounding are dropped; servers left unassigned by the
// geographic or custom strategies form trailing default waves.
func computeWaves(servers []string, cfg WaveConfiguration) [][]string {
	switch cfg.Strategy {
	case WaveFixedSize:
		return chunkServers(servers, cfg.WaveSize)

	case WavePercentage:
		size := ceilDiv(len(servers)*int(cfg.WavePercentage), 100)
		if size <= 0 {
			size = 1
		}
		return chunkServers(servers, size)

	case WaveGeographic:
		var waves [][]string
		assigned := make(map[string]bool)
		for _, group := range cfg.GeographicGroups {
			var wave []string
			for _, s := range servers {
				if !assigned[s] && strings.Contains(s, group) {
					wave = append(wave, s)
					assigned[s] = true
				}
			}
			if len(wave) > 0 {
				waves = append(waves, wave)
			}
		}
		return append(waves, defaultWaves(servers, assigned)...)

	case WaveCustom:
		var waves [][]string
		assigned := make(map[string]bool)
		known := make(map[string]bool, len(servers))
		for _, s := range servers {
			known[s] = true
		}
		for _, custom := range cfg.CustomWaves {
			var wave []string
			for _, s := range custom {
				if known[s] && !assigned[s] {
					wave = append(wave, s)
					assigned[s] = true
				}
			}
			if len(wave) > 0 {
				waves = append(waves, wave)
			}
		}
		return append(waves, defaultWaves(servers, assigned)...)

	default:
		return nil
	}
}

// defaultWaves chunks the unassigned remainder into waves of roughly a third
// of the remainder each.
func defaultWaves(servers []string, assigned map[string]bool) [][]string {
	var remaining []string
	for _, s := range servers {
		if !assigned[s] {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		return nil
	}
	return chunkServers(remaining, ceilDiv(len(remaining), 3))
}
