package approval

import (
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
)

// ExecutorFactory creates approval executors bound to a ticket creator.
type ExecutorFactory struct {
	tickets TicketCreator
}

// NewExecutorFactory creates a new approval ExecutorFactory.
func NewExecutorFactory(tickets TicketCreator) *ExecutorFactory {
	return &ExecutorFactory{tickets: tickets}
}

// Create builds an approval executor from the given configuration.
func (f *ExecutorFactory) Create(config map[string]any) (protocol.StepExecutor, error) {
	return NewExecutor(f.tickets, config)
}

// Kind returns the step kind served by this factory.
func (*ExecutorFactory) Kind() string {
	return string(models.StepKindApproval)
}

// Name returns the name of the executor.
func (*ExecutorFactory) Name() string {
	return "Approval"
}

// Description returns a brief description of the executor.
func (*ExecutorFactory) Description() string {
	return "Opens a human approval ticket and suspends the run until a decision is recorded."
}

// Schema returns the JSON schema for configuring this executor.
func (*ExecutorFactory) Schema() *models.JSONSchema {
	return &models.JSONSchema{
		Type:  "object",
		Title: "Approval Step",
		Properties: map[string]*models.Property{
			"expires_in_seconds": {
				Type:        "integer",
				Description: "Ticket lifetime; an undecided ticket past this deadline fails the step with approval_timeout",
			},
		},
	}
}
