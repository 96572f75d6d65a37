package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

func testDefaults() PlanDefaults {
	return PlanDefaults{
		PhaseTimeout: 30 * time.Minute,
		StepTimeout:  10 * time.Minute,
		MaxRetries:   3,
	}
}

func rollingRequest(targets []string, waves map[string]any) *PlanRequest {
	waveCfg := map[string]any{
		"strategy": "fixed_size",
		"waveSize": 2,
	}
	for k, v := range waves {
		waveCfg[k] = v
	}
	return &PlanRequest{
		ServiceName:   "billing-api",
		Version:       "2.4.1",
		PackageURL:    "https://packages.internal/billing-api-2.4.1.tar.gz",
		TargetServers: targets,
		Configuration: map[string]any{
			"RollingConfiguration":     map[string]any{},
			"WaveConfiguration":        waveCfg,
			"HealthCheckConfiguration": map[string]any{"timeout": "2m", "interval": "5s"},
		},
		Defaults: testDefaults(),
	}
}

func phaseNames(phases []models.Phase) []string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.Name
	}
	return names
}

func TestRollingPlanFixedSizeWaves(t *testing.T) {
	p := &RollingPlanner{}
	req := rollingRequest([]string{"h1", "h2", "h3", "h4"}, nil)

	require.NoError(t, p.ValidateConfiguration(req.Configuration))

	phases, err := p.Plan(req)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Pre-Deployment",
		"Pre-Rolling Validation",
		"Wave-1 Deployment",
		"Wave-1 Validation",
		"Wave-1 Monitoring",
		"Wave-2 Deployment",
		"Wave-2 Validation",
		"Post-Deployment Validation",
		"Cleanup",
	}, phaseNames(phases))

	// Wave targets follow the declared order.
	assert.Equal(t, []string{"h1", "h2"}, []string(phases[2].TargetServers))
	assert.Equal(t, []string{"h3", "h4"}, []string(phases[5].TargetServers))

	// Sequential mode: deploy, start and health gate per server.
	var deploys int
	for _, step := range phases[2].Steps {
		if step.Type == models.StepTypeDeploy {
			deploys++
		}
	}
	assert.Equal(t, 2, deploys)

	require.NoError(t, ValidatePlan(phases))
}

func TestRollingPlanSingleHostSingleWave(t *testing.T) {
	p := &RollingPlanner{}
	req := rollingRequest([]string{"h1"}, nil)

	phases, err := p.Plan(req)
	require.NoError(t, err)

	// One wave of size one, no inter-wave monitoring.
	assert.Equal(t, []string{
		"Pre-Deployment",
		"Pre-Rolling Validation",
		"Wave-1 Deployment",
		"Wave-1 Validation",
		"Post-Deployment Validation",
		"Cleanup",
	}, phaseNames(phases))
	assert.Equal(t, []string{"h1"}, []string(phases[2].TargetServers))
}

func TestRollingPlanParallelWave(t *testing.T) {
	p := &RollingPlanner{}
	req := rollingRequest([]string{"h1", "h2", "h3", "h4"}, map[string]any{
		"parallelDeploymentWithinWave": true,
		"maxParallelism":               2,
		"waveSize":                     4,
	})

	phases, err := p.Plan(req)
	require.NoError(t, err)

	// Parallel mode is one logical step delegating to the parallel worker.
	deployPhase := phases[2]
	require.Len(t, deployPhase.Steps, 1)
	assert.Equal(t, models.StepTypeDeploy, deployPhase.Steps[0].Type)
	assert.Equal(t, "parallel-deploy", deployPhase.Steps[0].Parameters["worker"])
	require.NoError(t, ValidatePlan(phases))
}

func TestComputeWavesPercentageDropsEmptyWave(t *testing.T) {
	waves := computeWaves([]string{"h1", "h2", "h3"}, WaveConfiguration{
		Strategy:       WavePercentage,
		WavePercentage: 50,
	})
	require.Len(t, waves, 2)
	assert.Equal(t, []string{"h1", "h2"}, waves[0])
	assert.Equal(t, []string{"h3"}, waves[1])
}

func TestComputeWavesGeographicWithDefaultRemainder(t *testing.T) {
	servers := []string{"eu-web-1", "eu-web-2", "us-web-1", "ap-web-1", "ap-web-2", "misc-1"}
	waves := computeWaves(servers, WaveConfiguration{
		Strategy:         WaveGeographic,
		GeographicGroups: []string{"eu-", "us-"},
	})

	require.GreaterOrEqual(t, len(waves), 3)
	assert.Equal(t, []string{"eu-web-1", "eu-web-2"}, waves[0])
	assert.Equal(t, []string{"us-web-1"}, waves[1])

	// Unassigned servers land in trailing default waves of about a third each.
	var rest []string
	for _, w := range waves[2:] {
		rest = append(rest, w...)
	}
	assert.ElementsMatch(t, []string{"ap-web-1", "ap-web-2", "misc-1"}, rest)
}

func TestComputeWavesCustom(t *testing.T) {
	waves := computeWaves([]string{"h1", "h2", "h3", "h4"}, WaveConfiguration{
		Strategy:    WaveCustom,
		CustomWaves: [][]string{{"h3"}, {"h1", "h2"}},
	})
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"h3"}, waves[0])
	assert.Equal(t, []string{"h1", "h2"}, waves[1])
	assert.Equal(t, []string{"h4"}, waves[2])
}

func TestRollingValidateConfigurationMissingKeys(t *testing.T) {
	p := &RollingPlanner{}
	err := p.ValidateConfiguration(map[string]any{})
	assert.Error(t, err)
}

// =============================================================================
// Blue/green
// =============================================================================

func blueGreenRequest(targets []string, cfg map[string]any) *PlanRequest {
	configuration := map[string]any{
		"BlueEnvironment":    map[string]any{},
		"GreenEnvironment":   map[string]any{},
		"LoadBalancerConfig": map[string]any{"endpoint": "https://lb.internal", "apiKey": "key"},
	}
	for k, v := range cfg {
		configuration[k] = v
	}
	return &PlanRequest{
		ServiceName:   "billing-api",
		Version:       "2.4.1",
		PackageURL:    "https://packages.internal/billing-api-2.4.1.tar.gz",
		TargetServers: targets,
		Configuration: configuration,
		Defaults:      testDefaults(),
	}
}

func TestBlueGreenSplitOddTargets(t *testing.T) {
	bg := &blueGreenConfig{}
	blue, green := splitEnvironments([]string{"h1", "h2", "h3", "h4", "h5"}, bg)

	// Even-indexed are blue, odd-indexed green: ceil(N/2) blue, floor(N/2) green.
	assert.Equal(t, []string{"h1", "h3", "h5"}, blue)
	assert.Equal(t, []string{"h2", "h4"}, green)
}

func TestBlueGreenPlanShape(t *testing.T) {
	p := &BlueGreenPlanner{}
	req := blueGreenRequest([]string{"h1", "h2", "h3", "h4"}, nil)

	require.NoError(t, p.ValidateConfiguration(req.Configuration))

	phases, err := p.Plan(req)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Pre-Deployment",
		"Green Prep",
		"Green Deploy",
		"Green Validation",
		"Traffic Switch",
		"Blue Validation",
		"Post-Deployment Cleanup",
	}, phaseNames(phases))

	// The cleanup phase never triggers rollback.
	assert.False(t, phases[len(phases)-1].RollbackOnFailure)
	// The traffic switch does.
	assert.True(t, phases[4].RollbackOnFailure)

	require.NoError(t, ValidatePlan(phases))
}

func TestBlueGreenValidateConfigurationRequiresLB(t *testing.T) {
	p := &BlueGreenPlanner{}
	cfg := map[string]any{
		"BlueEnvironment":    map[string]any{},
		"GreenEnvironment":   map[string]any{},
		"LoadBalancerConfig": map[string]any{"endpoint": ""},
	}
	assert.Error(t, p.ValidateConfiguration(cfg))
}

// =============================================================================
// Canary
// =============================================================================

func canaryRequest(targets []string, canaryCfg map[string]any) *PlanRequest {
	cc := map[string]any{
		"canaryPercentage":   20,
		"monitoringDuration": "15m",
	}
	for k, v := range canaryCfg {
		cc[k] = v
	}
	return &PlanRequest{
		ServiceName:   "billing-api",
		Version:       "2.4.1",
		PackageURL:    "pkg:generic/billing-api@2.4.1",
		TargetServers: targets,
		Configuration: map[string]any{
			"CanaryConfiguration":     cc,
			"TrafficSplitting":        map[string]any{"strategy": "weighted"},
			"MonitoringConfiguration": map[string]any{"metrics": []string{"error_rate_percent"}},
		},
		Defaults: testDefaults(),
	}
}

func TestCanaryPlanSubset(t *testing.T) {
	p := &CanaryPlanner{}
	targets := []string{"h1", "h2", "h3", "h4", "h5", "h6", "h7", "h8", "h9", "h10"}
	req := canaryRequest(targets, nil)

	require.NoError(t, p.ValidateConfiguration(req.Configuration))

	phases, err := p.Plan(req)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Pre-Deployment",
		"Canary Deploy",
		"Canary Validation",
		"Traffic Routing Setup",
		"Canary Monitoring",
		"Production Deploy",
		"Post-Deployment Validation",
		"Canary Cleanup",
	}, phaseNames(phases))

	// 20% of ten targets: the first two hosts.
	assert.Equal(t, []string{"h1", "h2"}, []string(phases[1].TargetServers))
	assert.Equal(t, []string{"h3", "h4", "h5", "h6", "h7", "h8", "h9", "h10"}, []string(phases[5].TargetServers))

	require.NoError(t, ValidatePlan(phases))
}

func TestCanaryFullPercentageCollapsesProductionPhase(t *testing.T) {
	p := &CanaryPlanner{}
	req := canaryRequest([]string{"h1", "h2"}, map[string]any{"canaryPercentage": 100})

	phases, err := p.Plan(req)
	require.NoError(t, err)

	for _, phase := range phases {
		assert.NotEqual(t, "Production Deploy", phase.Name)
	}
	assert.Equal(t, []string{"h1", "h2"}, []string(phases[1].TargetServers))
}

func TestCanaryExplicitServers(t *testing.T) {
	p := &CanaryPlanner{}
	req := canaryRequest([]string{"h1", "h2", "h3"}, map[string]any{
		"canaryServers": []string{"h3"},
	})

	phases, err := p.Plan(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"h3"}, []string(phases[1].TargetServers))
	assert.Equal(t, []string{"h1", "h2"}, []string(phases[5].TargetServers))
}

func TestCanaryValidateConfiguration(t *testing.T) {
	p := &CanaryPlanner{}

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"zero percentage", func(cfg map[string]any) {
			cfg["CanaryConfiguration"].(map[string]any)["canaryPercentage"] = 0
		}},
		{"percentage above 100", func(cfg map[string]any) {
			cfg["CanaryConfiguration"].(map[string]any)["canaryPercentage"] = 150
		}},
		{"missing monitoring duration", func(cfg map[string]any) {
			cfg["CanaryConfiguration"].(map[string]any)["monitoringDuration"] = ""
		}},
		{"no metrics", func(cfg map[string]any) {
			cfg["MonitoringConfiguration"] = map[string]any{"metrics": []string{}}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := canaryRequest([]string{"h1", "h2"}, nil)
			tc.mutate(req.Configuration)
			assert.Error(t, p.ValidateConfiguration(req.Configuration))
		})
	}
}

func TestValidatePlanRejectsUndocumentedParameters(t *testing.T) {
	phases := []models.Phase{
		newPhase("Bad", time.Minute, 0, false, nil,
			newStep(models.StepTypeHealthCheck, "h1", map[string]any{
				"serviceName": "svc",
				"bogus":       true,
			}),
		),
	}
	assert.Error(t, ValidatePlan(phases))
}

func TestEstimateDuration(t *testing.T) {
	rolling := &RollingPlanner{}
	req := rollingRequest([]string{"h1", "h2", "h3", "h4"}, nil)
	assert.Greater(t, rolling.EstimateDuration(req), time.Duration(0))

	canary := &CanaryPlanner{}
	creq := canaryRequest([]string{"h1", "h2"}, nil)
	assert.GreaterOrEqual(t, canary.EstimateDuration(creq), 15*time.Minute)
}
