package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/package-url/packageurl-go"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// PlanDefaults carry engine-level defaults applied when a request does not
// override them.
type PlanDefaults struct {
	PhaseTimeout time.Duration
	StepTimeout  time.Duration
	MaxRetries   int
}

// PlanRequest is the input to a strategy planner.
type PlanRequest struct {
	ServiceName   string
	Version       string
	PackageURL    string
	TargetServers []string
	Configuration map[string]any
	Defaults      PlanDefaults
}

// Planner turns a deployment request into an ordered phase list. Planners
// are pure: they never touch the cache, the bus or persistence.
type Planner interface {
	Strategy() models.DeploymentStrategy
	ValidateConfiguration(config map[string]any) error
	Plan(req *PlanRequest) ([]models.Phase, error)
	EstimateDuration(req *PlanRequest) time.Duration
}

// Registry resolves planners by strategy tag.
type Registry struct {
	planners map[models.DeploymentStrategy]Planner
}

// NewRegistry creates a registry with the built-in strategy planners.
func NewRegistry() *Registry {
	r := &Registry{planners: make(map[models.DeploymentStrategy]Planner)}
	r.Register(&RollingPlanner{})
	r.Register(&BlueGreenPlanner{})
	r.Register(&CanaryPlanner{})
	return r
}

// Register adds a planner to the registry.
func (r *Registry) Register(p Planner) {
	r.planners[p.Strategy()] = p
}

// Get resolves a planner by strategy.
func (r *Registry) Get(strategy models.DeploymentStrategy) (Planner, error) {
	p, ok := r.planners[strategy]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q: %w", strategy, errdefs.ErrInvalidConfiguration)
	}
	return p, nil
}

// Strategies returns the registered strategy tags.
func (r *Registry) Strategies() []models.DeploymentStrategy {
	out := make([]models.DeploymentStrategy, 0, len(r.planners))
	for s := range r.planners {
		out = append(out, s)
	}
	return out
}

// =============================================================================
// Configuration sections
// =============================================================================

// WaveStrategy selects how rolling waves are computed.
type WaveStrategy string

const (
	WaveFixedSize  WaveStrategy = "fixed_size"
	WavePercentage WaveStrategy = "percentage"
	WaveGeographic WaveStrategy = "geographic"
	WaveCustom     WaveStrategy = "custom"
)

// RollingConfiguration is the rolling strategy section.
type RollingConfiguration struct {
	DrainBeforeDeploy bool               `json:"drainBeforeDeploy,omitempty"`
	LoadBalancer      LoadBalancerConfig `json:"loadBalancer,omitempty"`
}

// WaveConfiguration controls wave computation and intra-wave execution.
type WaveConfiguration struct {
	Strategy                     WaveStrategy        `json:"strategy"`
	WaveSize                     int                 `json:"waveSize,omitempty"`
	WavePercentage               float64             `json:"wavePercentage,omitempty"`
	WaveInterval                 string              `json:"waveInterval,omitempty"` // e.g. "10m"
	ParallelDeploymentWithinWave bool                `json:"parallelDeploymentWithinWave"`
	MaxParallelism               int                 `json:"maxParallelism,omitempty"`
	DelayBetweenServers          string              `json:"delayBetweenServers,omitempty"`
	GeographicGroups             []string            `json:"geographicGroups,omitempty"` // server-name substrings
	CustomWaves                  [][]string          `json:"customWaves,omitempty"`
}

// HealthCheckConfiguration controls health gating of deployed servers.
type HealthCheckConfiguration struct {
	Timeout  string `json:"timeout,omitempty"`  // e.g. "2m"
	Interval string `json:"interval,omitempty"` // e.g. "5s"
	Endpoint string `json:"endpoint,omitempty"`
}

// EnvironmentConfig names the servers of one blue/green environment.
type EnvironmentConfig struct {
	Servers []string `json:"servers,omitempty"`
}

// LoadBalancerConfig addresses the load balancer API.
type LoadBalancerConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"apiKey"`
}

// RollbackTriggers are the observed thresholds that abort a canary.
type RollbackTriggers struct {
	ErrorRateThreshold float64 `json:"errorRateThreshold,omitempty"`
	LatencyThresholdMs float64 `json:"latencyThresholdMs,omitempty"`
}

// CanaryConfiguration is the canary strategy section.
type CanaryConfiguration struct {
	CanaryPercentage   float64          `json:"canaryPercentage"`
	MonitoringDuration string           `json:"monitoringDuration"` // e.g. "15m"
	CanaryServers      []string         `json:"canaryServers,omitempty"`
	RollbackTriggers   RollbackTriggers `json:"rollbackTriggers,omitempty"`
	BatchSize          int              `json:"batchSize,omitempty"`
	BatchDelay         string           `json:"batchDelay,omitempty"`
}

// TrafficSplitting selects how canary traffic is divided.
type TrafficSplitting struct {
	Strategy     string             `json:"strategy"` // weighted, header, percentage
	LoadBalancer LoadBalancerConfig `json:"loadBalancer,omitempty"`
}

// MonitoringConfiguration names the metrics watched during canary analysis.
type MonitoringConfiguration struct {
	Metrics []string `json:"metrics"`
}

// decodeSection decodes one named configuration section into out.
// A missing section yields ErrInvalidConfiguration.
func decodeSection(config map[string]any, key string, out any) error {
	raw, ok := config[key]
	if !ok {
		return fmt.Errorf("missing required configuration key %q: %w", key, errdefs.ErrInvalidConfiguration)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("configuration key %q: %w", key, errdefs.ErrInvalidConfiguration)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("configuration key %q: %v: %w", key, err, errdefs.ErrInvalidConfiguration)
	}
	return nil
}

// parseDurationOr parses a duration string, falling back when empty or invalid.
func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// validatePackageURL checks a package locator. Locators in purl form are
// parsed strictly; other non-empty locators pass through.
func validatePackageURL(locator string) error {
	if locator == "" {
		return fmt.Errorf("package locator is empty: %w", errdefs.ErrInvalidConfiguration)
	}
	if strings.HasPrefix(locator, "pkg:") {
		if _, err := packageurl.FromString(locator); err != nil {
			return fmt.Errorf("package locator %q: %v: %w", locator, err, errdefs.ErrInvalidConfiguration)
		}
	}
	return nil
}

// =============================================================================
// Phase / step builders
// =============================================================================

func newPhase(name string, timeout time.Duration, maxRetries int, rollbackOnFailure bool, targets []string, steps ...models.Step) models.Phase {
	return models.Phase{
		ID:                uuid.New(),
		Name:              name,
		Steps:             steps,
		Timeout:           timeout,
		MaxRetries:        maxRetries,
		RollbackOnFailure: rollbackOnFailure,
		TargetServers:     targets,
		Status:            models.PhaseStatusPending,
	}
}

func newStep(stepType models.StepType, target string, params map[string]any) models.Step {
	return models.Step{
		ID:           uuid.New(),
		Type:         stepType,
		TargetServer: target,
		Parameters:   params,
		Status:       models.StepStatusPending,
	}
}

func deployStep(req *PlanRequest, host string) models.Step {
	return newStep(models.StepTypeDeploy, host, map[string]any{
		"packageUrl":  req.PackageURL,
		"version":     req.Version,
		"serviceName": req.ServiceName,
	})
}

func serviceStep(stepType models.StepType, req *PlanRequest, host string) models.Step {
	return newStep(stepType, host, map[string]any{
		"serviceName": req.ServiceName,
	})
}

func healthCheckStep(req *PlanRequest, host string) models.Step {
	return newStep(models.StepTypeHealthCheck, host, map[string]any{
		"serviceName": req.ServiceName,
	})
}

func waitHealthyStep(req *PlanRequest, host string, hc HealthCheckConfiguration) models.Step {
	return newStep(models.StepTypeWaitForHealthy, host, map[string]any{
		"serviceName": req.ServiceName,
		"timeout":     hc.Timeout,
		"interval":    hc.Interval,
	})
}

func workerStep(stepType models.StepType, worker string, critical bool, params map[string]any) models.Step {
	merged := map[string]any{"worker": worker, "critical": critical}
	for k, v := range params {
		merged[k] = v
	}
	return newStep(stepType, "", merged)
}

func trafficStep(action string, lb LoadBalancerConfig, hosts []string, percent float64, critical bool) models.Step {
	params := map[string]any{
		"action":   action,
		"endpoint": lb.Endpoint,
		"apiKey":   lb.APIKey,
		"critical": critical,
	}
	if len(hosts) > 0 {
		params["servers"] = hosts
	}
	if percent > 0 {
		params["percent"] = percent
	}
	host := ""
	if action != "split" && len(hosts) == 1 {
		host = hosts[0]
	}
	return newStep(models.StepTypeTrafficSwitch, host, params)
}

// chunkServers splits servers into batches of size. Empty batches from
// rounding are dropped.
func chunkServers(servers []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(servers); start += size {
		end := start + size
		if end > len(servers) {
			end = len(servers)
		}
		if end > start {
			out = append(out, servers[start:end])
		}
	}
	return out
}

// ceilDiv returns ceil(a/b) for positive b.
func ceilDiv(a, b int) int {
	return int(math.Ceil(float64(a) / float64(b)))
}
