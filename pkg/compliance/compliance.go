// Package compliance gates workflow definitions before they publish or
// start. A Checker inspects a definition and either allows it or reports
// the findings that block it; SchemaChecker is the bundled implementation,
// which validates every step's config against the schema its executor
// declares.
package compliance

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/registry"
)

// Finding codes reported by the bundled checker.
const (
	CodeUnknownStepKind = "unknown_step_kind"
	CodeConfigSchema    = "config_schema"
)

// Finding is one policy violation in a definition.
type Finding struct {
	Code    string `json:"code"`
	StepID  string `json:"step_id,omitempty"`
	Message string `json:"message"`
}

func (f Finding) String() string {
	if f.StepID == "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}

	return fmt.Sprintf("%s: step %s: %s", f.Code, f.StepID, f.Message)
}

// Checker decides whether a definition may be published or started. A
// false verdict comes with the findings that caused it; a non-nil error
// means the check itself failed and the caller must not proceed.
type Checker interface {
	Validate(ctx context.Context, def *models.WorkflowDefinition) (bool, []Finding, error)
}

// AllowAll passes every definition without looking at it.
type AllowAll struct{}

func (AllowAll) Validate(_ context.Context, _ *models.WorkflowDefinition) (bool, []Finding, error) {
	return true, nil, nil
}

// SchemaChecker validates each step's config against the JSON Schema the
// registered executor declares for its kind. Steps whose kind has no
// registered executor are reported rather than skipped: a definition that
// cannot execute must not publish.
type SchemaChecker struct {
	registry *registry.Registry
}

// NewSchemaChecker creates a checker backed by the given executor registry.
func NewSchemaChecker(reg *registry.Registry) *SchemaChecker {
	return &SchemaChecker{registry: reg}
}

// Validate checks every step and allows only when no findings remain.
func (c *SchemaChecker) Validate(_ context.Context, def *models.WorkflowDefinition) (bool, []Finding, error) {
	var findings []Finding

	for _, step := range def.Steps {
		kind := string(step.Kind)

		if !c.registry.HasKind(kind) {
			findings = append(findings, Finding{
				Code:    CodeUnknownStepKind,
				StepID:  step.ID,
				Message: fmt.Sprintf("no executor registered for kind %q", kind),
			})

			continue
		}

		schema := c.registry.Schema(kind)
		if schema == nil {
			continue
		}

		config := step.Config
		if config == nil {
			config = map[string]any{}
		}

		schemaLoader := gojsonschema.NewGoLoader(schema)
		configLoader := gojsonschema.NewGoLoader(config)

		result, err := gojsonschema.Validate(schemaLoader, configLoader)
		if err != nil {
			return false, nil, fmt.Errorf("failed to validate config for step %s: %w", step.ID, err)
		}

		for _, violation := range result.Errors() {
			findings = append(findings, Finding{
				Code:    CodeConfigSchema,
				StepID:  step.ID,
				Message: violation.String(),
			})
		}
	}

	return len(findings) == 0, findings, nil
}
