// Package protocol defines the contracts between the run engine and step
// executors. New step kinds plug in through ExecutorFactory without touching
// the engine.
package protocol

import (
	"context"
	"log/slog"

	"github.com/civion/civion/pkg/models"
)

// StepExecutor runs one configured step attempt. Implementations must
// observe ctx cancellation and, for non-idempotent side effects, forward
// runCtx.IdempotencyKey to the downstream system so retries de-duplicate.
type StepExecutor interface {
	Execute(ctx context.Context, runCtx models.RunContext, logger *slog.Logger) (any, error)
}

// ExecutorFactory builds executors of one kind from step configuration.
type ExecutorFactory interface {
	// Create builds an executor from a step's config map. The config has
	// already been validated against Schema and rendered against the run
	// context.
	Create(config map[string]any) (StepExecutor, error)

	// Kind returns the step kind this factory serves.
	Kind() string

	// Name returns a human-readable name for catalog listings.
	Name() string

	// Description returns a short description for catalog listings.
	Description() string

	// Schema returns the JSON schema for the executor's configuration.
	Schema() *models.JSONSchema
}
