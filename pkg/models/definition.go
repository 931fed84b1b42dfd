// Package models defines the core domain models for workflow orchestration.
package models

import "time"

// StepKind identifies which executor runs a step.
type StepKind string

const (
	StepKindScript   StepKind = "script"   // Shell command execution
	StepKindHTTP     StepKind = "http"     // Outbound HTTP call
	StepKindAgent    StepKind = "agent"    // AI agent gateway invocation
	StepKindApproval StepKind = "approval" // Human approval gate
)

// WorkflowDefinition is an immutable, versioned specification of steps and
// their dependencies. Publishing a change to an existing definition ID
// allocates the next version; existing runs keep referencing the version
// they started with.
type WorkflowDefinition struct {
	ID           string              `json:"id"                     validate:"required"`
	Version      int                 `json:"version"`
	Name         string              `json:"name"                   validate:"required,min=3"`
	Description  string              `json:"description"`
	Steps        []*StepSpec         `json:"steps"                  validate:"required,min=1,dive"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
	RetryPolicy  *RetryPolicy        `json:"retry_policy,omitempty"`
	SLASeconds   int                 `json:"sla_seconds,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	PublishedAt  time.Time           `json:"published_at"`
	PublishedBy  string              `json:"published_by,omitempty"`
}

// StepSpec is one node in the definition's DAG.
type StepSpec struct {
	ID             string         `json:"id"              validate:"required,lowercase"`
	Name           string         `json:"name,omitempty"`
	Kind           StepKind       `json:"kind"            validate:"required,oneof=script http agent approval"`
	Config         map[string]any `json:"config,omitempty"`
	RetryPolicy    *RetryPolicy   `json:"retry_policy,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Step returns the spec for the given step ID.
func (d *WorkflowDefinition) Step(stepID string) (*StepSpec, bool) {
	for _, step := range d.Steps {
		if step.ID == stepID {
			return step, true
		}
	}

	return nil, false
}

// DependenciesOf returns the declared upstream step IDs for a step.
func (d *WorkflowDefinition) DependenciesOf(stepID string) []string {
	if d.Dependencies == nil {
		return nil
	}

	return d.Dependencies[stepID]
}

// RetryPolicyFor resolves the effective retry policy for a step: the step
// override when present, otherwise the definition default, otherwise
// DefaultRetryPolicy.
func (d *WorkflowDefinition) RetryPolicyFor(stepID string) RetryPolicy {
	if step, ok := d.Step(stepID); ok && step.RetryPolicy != nil {
		return step.RetryPolicy.Normalized()
	}

	if d.RetryPolicy != nil {
		return d.RetryPolicy.Normalized()
	}

	return DefaultRetryPolicy()
}

// Timeout returns the execution deadline for a step, or zero when the step
// declares none.
func (s *StepSpec) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}

	return time.Duration(s.TimeoutSeconds) * time.Second
}
