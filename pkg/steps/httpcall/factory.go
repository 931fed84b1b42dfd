package httpcall

import (
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
)

// ExecutorFactory creates HTTP call executors.
type ExecutorFactory struct{}

// NewExecutorFactory creates a new httpcall ExecutorFactory.
func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{}
}

// Create builds an HTTP executor from the given configuration.
func (*ExecutorFactory) Create(config map[string]any) (protocol.StepExecutor, error) {
	return NewExecutor(config)
}

// Kind returns the step kind served by this factory.
func (*ExecutorFactory) Kind() string {
	return string(models.StepKindHTTP)
}

// Name returns the name of the executor.
func (*ExecutorFactory) Name() string {
	return "HTTP Call"
}

// Description returns a brief description of the executor.
func (*ExecutorFactory) Description() string {
	return "Performs an HTTP request. The run's idempotency key is forwarded as the Idempotency-Key header."
}

// Schema returns the JSON schema for configuring this executor.
func (*ExecutorFactory) Schema() *models.JSONSchema {
	return &models.JSONSchema{
		Type:  "object",
		Title: "HTTP Step",
		Properties: map[string]*models.Property{
			"url": {
				Type:        "string",
				Description: "URL to call. Supports templating against the run context.",
			},
			"method": {
				Type:        "string",
				Description: "HTTP method",
				Default:     "GET",
				Enum:        []any{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD"},
			},
			"headers": {
				Type:        "object",
				Description: "Request headers. Values support templating.",
			},
			"body": {
				Type:        "string",
				Format:      "code",
				Description: "Request body. Supports templating.",
			},
			"timeout_seconds": {
				Type:        "integer",
				Description: "Client timeout for the request",
				Default:     defaultTimeoutSeconds,
			},
		},
		Required: []string{"url"},
	}
}
