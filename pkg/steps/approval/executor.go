// Package approval provides the human approval gate for workflow steps.
// The executor never produces output: it opens a ticket and returns the
// suspension sentinel, parking the run until a decision arrives.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
)

// TicketCreator opens approval tickets. Creation is idempotent per
// (run, step): re-executing the step returns the existing open ticket.
type TicketCreator interface {
	CreateTicket(ctx context.Context, runID, stepID string, expiresIn time.Duration) (*models.ApprovalTicket, error)
}

// Executor opens an approval ticket for its step.
type Executor struct {
	tickets   TicketCreator
	expiresIn time.Duration
}

// NewExecutor creates an approval executor from configuration.
func NewExecutor(tickets TicketCreator, config map[string]any) (*Executor, error) {
	var expiresIn time.Duration

	if expirySec, ok := config["expires_in_seconds"].(float64); ok && expirySec > 0 {
		expiresIn = time.Duration(expirySec) * time.Second
	}

	return &Executor{tickets: tickets, expiresIn: expiresIn}, nil
}

// Execute opens the ticket and returns protocol.ErrSuspend. The worker is
// released immediately; the step stays non-terminal until the decision is
// applied.
func (e *Executor) Execute(ctx context.Context, runCtx models.RunContext, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "approval_executor")

	ticket, err := e.tickets.CreateTicket(ctx, runCtx.RunID, runCtx.StepID, e.expiresIn)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval ticket: %w", err)
	}

	logger.InfoContext(ctx, "Approval ticket opened", "ticket_id", ticket.ID)

	return nil, protocol.ErrSuspend
}
