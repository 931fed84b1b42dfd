package script

import (
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
)

// ExecutorFactory creates script executors.
type ExecutorFactory struct{}

// NewExecutorFactory creates a new script ExecutorFactory.
func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{}
}

// Create builds a script executor from the given configuration.
func (*ExecutorFactory) Create(config map[string]any) (protocol.StepExecutor, error) {
	return NewExecutor(config)
}

// Kind returns the step kind served by this factory.
func (*ExecutorFactory) Kind() string {
	return string(models.StepKindScript)
}

// Name returns the name of the executor.
func (*ExecutorFactory) Name() string {
	return "Script"
}

// Description returns a brief description of the executor.
func (*ExecutorFactory) Description() string {
	return "Runs a shell command and captures its output. Run identity is exported via CIVION_* environment variables."
}

// Schema returns the JSON schema for configuring this executor.
func (*ExecutorFactory) Schema() *models.JSONSchema {
	return &models.JSONSchema{
		Type:  "object",
		Title: "Script Step",
		Properties: map[string]*models.Property{
			"command": {
				Type:        "string",
				Description: "Shell command to run. Supports templating against the run context.",
			},
			"shell": {
				Type:        "string",
				Description: "Shell binary used to run the command",
				Default:     defaultShell,
			},
			"working_dir": {
				Type:        "string",
				Description: "Working directory for the command",
			},
			"env": {
				Type:        "object",
				Description: "Extra environment variables for the command",
			},
		},
		Required: []string{"command"},
	}
}
