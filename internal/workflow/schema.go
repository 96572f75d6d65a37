package workflow

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// Step parameters are free-form mappings on the wire, but planners only
// populate documented keys. Each step type carries a schema and every
// produced plan is checked against it before persisting.

var stepSchemas = map[models.StepType]*jsonschema.Schema{}

func mustSchema(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(name + ".json")
}

func init() {
	// Escaped for embedding in JSON source.
	durationPattern := `^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$`

	stepSchemas[models.StepTypeDeploy] = mustSchema("deploy", fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"packageUrl":     {"type": "string", "minLength": 1},
			"version":        {"type": "string", "minLength": 1},
			"serviceName":    {"type": "string", "minLength": 1},
			"servers":        {"type": "array", "items": {"type": "string"}},
			"worker":         {"type": "string"},
			"maxParallelism": {"type": "integer", "minimum": 0},
			"critical":       {"type": "boolean"},
			"delayAfter":     {"type": "string", "pattern": "%s"}
		},
		"required": ["packageUrl", "version", "serviceName"],
		"additionalProperties": false
	}`, durationPattern))

	serviceSchema := `{
		"type": "object",
		"properties": {
			"serviceName": {"type": "string", "minLength": 1},
			"critical":    {"type": "boolean"},
			"delayAfter":  {"type": "string"}
		},
		"required": ["serviceName"],
		"additionalProperties": false
	}`
	stepSchemas[models.StepTypeServiceStart] = mustSchema("service-start", serviceSchema)
	stepSchemas[models.StepTypeServiceStop] = mustSchema("service-stop", serviceSchema)
	stepSchemas[models.StepTypeServiceRestart] = mustSchema("service-restart", serviceSchema)

	stepSchemas[models.StepTypeHealthCheck] = mustSchema("health-check", `{
		"type": "object",
		"properties": {
			"serviceName": {"type": "string", "minLength": 1},
			"critical":    {"type": "boolean"}
		},
		"required": ["serviceName"],
		"additionalProperties": false
	}`)

	stepSchemas[models.StepTypeWaitForHealthy] = mustSchema("wait-for-healthy", `{
		"type": "object",
		"properties": {
			"serviceName": {"type": "string", "minLength": 1},
			"timeout":     {"type": "string"},
			"interval":    {"type": "string"},
			"critical":    {"type": "boolean"},
			"delayAfter":  {"type": "string"}
		},
		"required": ["serviceName"],
		"additionalProperties": false
	}`)

	stepSchemas[models.StepTypeTrafficSwitch] = mustSchema("traffic-switch", `{
		"type": "object",
		"properties": {
			"action":     {"type": "string", "enum": ["add", "remove", "split"]},
			"endpoint":   {"type": "string"},
			"apiKey":     {"type": "string"},
			"servers":    {"type": "array", "items": {"type": "string"}},
			"percent":    {"type": "number", "minimum": 0, "maximum": 100},
			"critical":   {"type": "boolean"},
			"delayAfter": {"type": "string"}
		},
		"required": ["action"],
		"additionalProperties": false
	}`)

	workerSchema := `{
		"type": "object",
		"properties": {
			"worker":   {"type": "string", "minLength": 1},
			"critical": {"type": "boolean"}
		},
		"required": ["worker"],
		"additionalProperties": true
	}`
	stepSchemas[models.StepTypeValidation] = mustSchema("validation", workerSchema)
	stepSchemas[models.StepTypeCleanup] = mustSchema("cleanup", workerSchema)
	stepSchemas[models.StepTypeCustom] = mustSchema("custom", workerSchema)
}

// ValidatePlan checks every step of a planned phase list against its
// per-type parameter schema.
func ValidatePlan(phases []models.Phase) error {
	for pi := range phases {
		for si := range phases[pi].Steps {
			step := &phases[pi].Steps[si]
			schema, ok := stepSchemas[step.Type]
			if !ok {
				return fmt.Errorf("phase %q step %d: unknown step type %q: %w",
					phases[pi].Name, si, step.Type, errdefs.ErrInvalidConfiguration)
			}
			params := step.Parameters
			if params == nil {
				params = map[string]any{}
			}
			if err := schema.Validate(normalize(params)); err != nil {
				return fmt.Errorf("phase %q step %d (%s): %v: %w",
					phases[pi].Name, si, step.Type, err, errdefs.ErrInvalidConfiguration)
			}
		}
	}
	return nil
}

// normalize converts parameter values into the shapes the schema validator
// understands (JSON-compatible types only).
func normalize(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch t := v.(type) {
		case int:
			out[k] = float64(t)
		case int64:
			out[k] = float64(t)
		case []string:
			arr := make([]any, len(t))
			for i, s := range t {
				arr[i] = s
			}
			out[k] = arr
		default:
			out[k] = v
		}
	}
	return out
}
