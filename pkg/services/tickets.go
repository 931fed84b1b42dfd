package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/authz"
	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// Tickets records approval decisions and notifies workers so suspended runs
// resume.
type Tickets struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	manager     *approvals.Manager
	authorizer  authz.Authorizer
	bus         eventbus.EventPublisher
}

// NewTickets creates a new ticket service.
func NewTickets(
	logger *slog.Logger,
	persist persistence.Persistence,
	manager *approvals.Manager,
	authorizer authz.Authorizer,
	bus eventbus.EventPublisher,
) *Tickets {
	return &Tickets{
		logger:      logger.With("module", "services"),
		persistence: persist,
		manager:     manager,
		authorizer:  authorizer,
		bus:         bus,
	}
}

// DecideTicketRequest contains an approval decision.
type DecideTicketRequest struct {
	TicketID string `validate:"required"`
	Decision string `validate:"required,oneof=approved rejected"`
	Actor    string `validate:"required"`
	Comment  string
}

// DecideTicket applies a decision to a ticket and publishes the
// ticket.decided command that lets a worker resume the suspended run. The
// decision is durable once this returns; applying it to the run is
// asynchronous.
func (t *Tickets) DecideTicket(ctx context.Context, req DecideTicketRequest) (*models.ApprovalTicket, error) {
	ticket, err := t.persistence.Tickets().GetByID(ctx, req.TicketID)
	if err != nil {
		return nil, err
	}

	run, err := t.persistence.Runs().GetByID(ctx, ticket.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run for ticket: %w", err)
	}

	err = authorize(ctx, t.authorizer, req.Actor, authz.ActionDecideTicket, run.DefinitionID)
	if err != nil {
		return nil, err
	}

	outcome, err := t.manager.Decide(ctx, req.TicketID, models.TicketDecision(req.Decision), req.Actor, req.Comment)
	if err != nil {
		return nil, err
	}

	if !outcome.Applied {
		return outcome.Ticket, nil
	}

	event := events.TicketDecided{
		BaseEvent: events.NewBaseEvent(events.TicketDecidedEvent, ticket.RunID),
		TicketID:  outcome.Ticket.ID,
		StepID:    outcome.Ticket.StepID,
		Decision:  outcome.Ticket.Decision,
		DecidedBy: outcome.Ticket.DecidedBy,
		Comment:   outcome.Ticket.Comment,
	}

	err = t.bus.Publish(ctx, ticket.RunID, event)
	if err != nil {
		// The decision is already durable; the suspended-run sweep
		// applies it if no worker ever sees this command.
		t.logger.ErrorContext(ctx, "Failed to publish ticket decision",
			"ticket_id", ticket.ID, "run_id", ticket.RunID, "error", err)
	}

	t.logger.InfoContext(ctx, "Ticket decided",
		"ticket_id", ticket.ID, "run_id", ticket.RunID,
		"decision", outcome.Ticket.Decision, "actor", req.Actor)

	return outcome.Ticket, nil
}

// GetTicket returns one approval ticket.
func (t *Tickets) GetTicket(ctx context.Context, ticketID string) (*models.ApprovalTicket, error) {
	return t.persistence.Tickets().GetByID(ctx, ticketID)
}

// ListPendingTickets returns undecided tickets, optionally narrowed to one
// run.
func (t *Tickets) ListPendingTickets(ctx context.Context, runID string) ([]*models.ApprovalTicket, error) {
	if runID != "" {
		return t.persistence.Tickets().ListPendingByRun(ctx, runID)
	}

	return t.persistence.Tickets().ListPending(ctx)
}
