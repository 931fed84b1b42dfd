package agent

import (
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
)

// ExecutorFactory creates agent executors.
type ExecutorFactory struct{}

// NewExecutorFactory creates a new agent ExecutorFactory.
func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{}
}

// Create builds an agent executor from the given configuration.
func (*ExecutorFactory) Create(config map[string]any) (protocol.StepExecutor, error) {
	return NewExecutor(config)
}

// Kind returns the step kind served by this factory.
func (*ExecutorFactory) Kind() string {
	return string(models.StepKindAgent)
}

// Name returns the name of the executor.
func (*ExecutorFactory) Name() string {
	return "Agent"
}

// Description returns a brief description of the executor.
func (*ExecutorFactory) Description() string {
	return "Invokes an AI agent through the configured gateway and returns its response."
}

// Schema returns the JSON schema for configuring this executor.
func (*ExecutorFactory) Schema() *models.JSONSchema {
	return &models.JSONSchema{
		Type:  "object",
		Title: "Agent Step",
		Properties: map[string]*models.Property{
			"prompt": {
				Type:        "string",
				Description: "Prompt sent to the agent. Supports templating against the run context.",
			},
			"agent": {
				Type:        "string",
				Description: "Named agent to invoke; the gateway default is used when omitted",
			},
			"gateway_url": {
				Type:        "string",
				Description: "Agent gateway endpoint; falls back to " + GatewayURLEnvVar,
			},
			"max_tokens": {
				Type:        "integer",
				Description: "Response token budget forwarded to the gateway",
			},
			"timeout_seconds": {
				Type:        "integer",
				Description: "Client timeout for the invocation",
				Default:     defaultTimeoutSeconds,
			},
		},
		Required: []string{"prompt"},
	}
}
