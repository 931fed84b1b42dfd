// Package config provides workflow definition loading from YAML and JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/civion/civion/pkg/models"
)

// DefinitionFile represents the structure of a workflow definition file. It
// mirrors models.WorkflowDefinition with yaml tags so snake_case keys land on
// the right fields.
type DefinitionFile struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Description  string              `yaml:"description"`
	Steps        []StepFile          `yaml:"steps"`
	Dependencies map[string][]string `yaml:"dependencies"`
	RetryPolicy  *RetryPolicyFile    `yaml:"retry_policy"`
	SLASeconds   int                 `yaml:"sla_seconds"`
	Metadata     map[string]any      `yaml:"metadata"`
}

// StepFile represents a step entry in the definition file.
type StepFile struct {
	ID             string           `yaml:"id"`
	Name           string           `yaml:"name"`
	Kind           string           `yaml:"kind"`
	Config         map[string]any   `yaml:"config"`
	RetryPolicy    *RetryPolicyFile `yaml:"retry_policy"`
	TimeoutSeconds int              `yaml:"timeout_seconds"`
}

// RetryPolicyFile represents a retry policy entry in the definition file.
type RetryPolicyFile struct {
	MaxAttempts         int      `yaml:"max_attempts"`
	BackoffBaseMs       int      `yaml:"backoff_base_ms"`
	BackoffMultiplier   float64  `yaml:"backoff_multiplier"`
	RetryableErrorKinds []string `yaml:"retryable_error_kinds"`
}

// LoadDefinition loads a workflow definition from a YAML or JSON file. The
// version, publish timestamp and publisher are assigned by the server at
// publish time, so values in the file are ignored.
func LoadDefinition(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var def models.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse JSON definition: %w", err)
		}

		return &def, nil
	case ".yaml", ".yml":
		var file DefinitionFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML definition: %w", err)
		}

		return file.Definition(), nil
	default:
		return nil, fmt.Errorf("unsupported definition file extension %q: use .yaml, .yml or .json", filepath.Ext(path))
	}
}

// Definition converts the file representation into the domain model.
func (f *DefinitionFile) Definition() *models.WorkflowDefinition {
	def := &models.WorkflowDefinition{
		ID:           f.ID,
		Name:         f.Name,
		Description:  f.Description,
		Steps:        make([]*models.StepSpec, len(f.Steps)),
		Dependencies: f.Dependencies,
		RetryPolicy:  f.RetryPolicy.policy(),
		SLASeconds:   f.SLASeconds,
		Metadata:     f.Metadata,
	}

	for i, step := range f.Steps {
		def.Steps[i] = &models.StepSpec{
			ID:             step.ID,
			Name:           step.Name,
			Kind:           models.StepKind(step.Kind),
			Config:         step.Config,
			RetryPolicy:    step.RetryPolicy.policy(),
			TimeoutSeconds: step.TimeoutSeconds,
		}
	}

	return def
}

func (p *RetryPolicyFile) policy() *models.RetryPolicy {
	if p == nil {
		return nil
	}

	policy := &models.RetryPolicy{
		MaxAttempts:       p.MaxAttempts,
		BackoffBaseMs:     p.BackoffBaseMs,
		BackoffMultiplier: p.BackoffMultiplier,
	}

	for _, kind := range p.RetryableErrorKinds {
		policy.RetryableErrorKinds = append(policy.RetryableErrorKinds, models.ErrorKind(kind))
	}

	return policy
}
