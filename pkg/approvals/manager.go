// Package approvals manages the human-in-the-loop gate: it opens approval
// tickets for suspended steps, applies decisions idempotently and expires
// tickets whose deadline passed without one.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
	"github.com/google/uuid"
)

// ErrConflictingDecision is returned when a decided ticket receives a
// different decision. The attempt is audit-logged before the error returns.
var ErrConflictingDecision = errors.New("ticket already resolved with a different decision")

// ErrInvalidDecision is returned for decisions other than approved or
// rejected.
var ErrInvalidDecision = errors.New("decision must be approved or rejected")

// DecisionOutcome reports how a decision call landed. Applied is false when
// the identical decision was already recorded and the call was a no-op.
type DecisionOutcome struct {
	Ticket  *models.ApprovalTicket
	Applied bool
}

// Manager owns the ticket lifecycle. It writes every lifecycle change to the
// ledger before persisting the ticket.
type Manager struct {
	tickets persistence.TicketRepository
	audit   ledger.Ledger
	logger  *slog.Logger
}

// NewManager creates a ticket manager.
func NewManager(logger *slog.Logger, tickets persistence.TicketRepository, audit ledger.Ledger) *Manager {
	return &Manager{
		tickets: tickets,
		audit:   audit,
		logger:  logger.With("module", "approvals"),
	}
}

// CreateTicket opens a ticket for an approval step. Creation is idempotent
// per (run, step): if a ticket already exists it is returned unchanged, so a
// re-executed approval step never spawns a second gate.
func (m *Manager) CreateTicket(ctx context.Context, runID, stepID string, expiresIn time.Duration) (*models.ApprovalTicket, error) {
	existing, err := m.tickets.GetByRunAndStep(ctx, runID, stepID)
	if err == nil {
		return existing, nil
	}

	if !persistence.IsTicketNotFound(err) {
		return nil, fmt.Errorf("failed to look up existing ticket: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	ticket := &models.ApprovalTicket{
		ID:          id.String(),
		RunID:       runID,
		StepID:      stepID,
		Decision:    models.DecisionPending,
		RequestedAt: time.Now().UTC(),
	}

	if expiresIn > 0 {
		expiresAt := ticket.RequestedAt.Add(expiresIn)
		ticket.ExpiresAt = &expiresAt
	}

	entry := ledger.NewEntry(runID, ledger.EntryTicketCreated)
	entry.StepID = stepID
	entry.TicketID = ticket.ID

	err = m.audit.Append(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to record ticket creation: %w", err)
	}

	err = m.tickets.Save(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to save ticket: %w", err)
	}

	m.logger.InfoContext(ctx, "Approval ticket created",
		"ticket_id", ticket.ID, "run_id", runID, "step_id", stepID)

	return ticket, nil
}

// Decide applies a decision to a ticket. Repeating an identical decision is
// a no-op. A conflicting decision, including any decision on an expired
// ticket, returns ErrConflictingDecision and the rejected attempt itself is
// written to the ledger.
func (m *Manager) Decide(ctx context.Context, ticketID string, decision models.TicketDecision, actor, comment string) (*DecisionOutcome, error) {
	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return nil, ErrInvalidDecision
	}

	ticket, err := m.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}

	if ticket.Decision == decision {
		return &DecisionOutcome{Ticket: ticket, Applied: false}, nil
	}

	if ticket.Resolved() {
		entry := ledger.NewEntry(ticket.RunID, ledger.EntryTicketDecided)
		entry.StepID = ticket.StepID
		entry.TicketID = ticket.ID
		entry.Actor = actor
		entry.Detail = map[string]any{
			ledger.DetailDecision: string(decision),
			ledger.DetailConflict: true,
		}

		err = m.audit.Append(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("failed to record conflicting decision: %w", err)
		}

		return nil, ErrConflictingDecision
	}

	now := time.Now().UTC()
	previous := ticket.Decision
	ticket.Decision = decision
	ticket.DecidedBy = actor
	ticket.Comment = comment
	ticket.DecidedAt = &now

	entry := ledger.NewEntry(ticket.RunID, ledger.EntryTicketDecided)
	entry.StepID = ticket.StepID
	entry.TicketID = ticket.ID
	entry.From = string(previous)
	entry.To = string(decision)
	entry.Actor = actor
	entry.Detail = map[string]any{ledger.DetailDecision: string(decision)}

	if comment != "" {
		entry.Detail[ledger.DetailComment] = comment
	}

	err = m.audit.Append(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}

	err = m.tickets.Save(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to save decided ticket: %w", err)
	}

	m.logger.InfoContext(ctx, "Approval ticket decided",
		"ticket_id", ticket.ID, "run_id", ticket.RunID, "decision", decision, "actor", actor)

	return &DecisionOutcome{Ticket: ticket, Applied: true}, nil
}

// ExpireOverdue archives every pending ticket whose expiry has passed and
// returns them so the caller can fail the gated steps. Tickets without an
// expiry never expire.
func (m *Manager) ExpireOverdue(ctx context.Context, now time.Time) ([]*models.ApprovalTicket, error) {
	pending, err := m.tickets.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tickets: %w", err)
	}

	expired := make([]*models.ApprovalTicket, 0)

	for _, ticket := range pending {
		if !ticket.Overdue(now) {
			continue
		}

		expiredAt := now
		ticket.ExpiredAt = &expiredAt

		entry := ledger.NewEntry(ticket.RunID, ledger.EntryTicketExpired)
		entry.StepID = ticket.StepID
		entry.TicketID = ticket.ID

		err = m.audit.Append(ctx, entry)
		if err != nil {
			return expired, fmt.Errorf("failed to record ticket expiry: %w", err)
		}

		err = m.tickets.Save(ctx, ticket)
		if err != nil {
			return expired, fmt.Errorf("failed to save expired ticket: %w", err)
		}

		m.logger.InfoContext(ctx, "Approval ticket expired",
			"ticket_id", ticket.ID, "run_id", ticket.RunID, "step_id", ticket.StepID)

		expired = append(expired, ticket)
	}

	return expired, nil
}

// CancelPendingForRun archives the pending tickets of a cancelled run so
// they leave the pending queue.
func (m *Manager) CancelPendingForRun(ctx context.Context, runID string, now time.Time) error {
	pending, err := m.tickets.ListPendingByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list pending tickets for run: %w", err)
	}

	for _, ticket := range pending {
		expiredAt := now
		ticket.ExpiredAt = &expiredAt

		entry := ledger.NewEntry(runID, ledger.EntryTicketExpired)
		entry.StepID = ticket.StepID
		entry.TicketID = ticket.ID
		entry.Detail = map[string]any{ledger.DetailReason: models.SkipReasonRunCancelled}

		err = m.audit.Append(ctx, entry)
		if err != nil {
			return fmt.Errorf("failed to record ticket cancellation: %w", err)
		}

		err = m.tickets.Save(ctx, ticket)
		if err != nil {
			return fmt.Errorf("failed to save cancelled ticket: %w", err)
		}
	}

	return nil
}
