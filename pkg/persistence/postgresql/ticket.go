package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// TicketRepository handles approval-ticket database operations.
type TicketRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(db *sql.DB, logger *slog.Logger) *TicketRepository {
	return &TicketRepository{db: db, logger: logger}
}

const ticketColumns = `
			id
		  , run_id
		  , step_id
		  , decision
		  , decided_by
		  , comment
		  , requested_at
		  , expires_at
		  , decided_at
		  , expired_at
`

// Save upserts the full ticket record.
func (r *TicketRepository) Save(ctx context.Context, ticket *models.ApprovalTicket) error {
	query := `
		INSERT INTO approval_tickets (id, run_id, step_id, decision,
decided_by, comment, requested_at, expires_at, decided_at, expired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			decision = EXCLUDED.decision,
			decided_by = EXCLUDED.decided_by,
			comment = EXCLUDED.comment,
			decided_at = EXCLUDED.decided_at,
			expired_at = EXCLUDED.expired_at
	`

	_, err := r.db.ExecContext(ctx, query,
		ticket.ID,
		ticket.RunID,
		ticket.StepID,
		ticket.Decision,
		ticket.DecidedBy,
		ticket.Comment,
		ticket.RequestedAt,
		ticket.ExpiresAt,
		ticket.DecidedAt,
		ticket.ExpiredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save ticket: %w", err)
	}

	return nil
}

// GetByID retrieves a ticket by its ID.
func (r *TicketRepository) GetByID(ctx context.Context, id string) (*models.ApprovalTicket, error) {
	query := `
		SELECT` + ticketColumns + `
		FROM approval_tickets
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTicketError("GetByID", id, persistence.ErrTicketNotFound)
		}

		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}

	return ticket, nil
}

// GetByRunAndStep retrieves the ticket gating one approval step of a run.
func (r *TicketRepository) GetByRunAndStep(ctx context.Context, runID, stepID string) (*models.ApprovalTicket, error) {
	query := `
		SELECT` + ticketColumns + `
		FROM approval_tickets
		WHERE run_id = $1 AND step_id = $2
	`

	row := r.db.QueryRowContext(ctx, query, runID, stepID)

	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTicketError("GetByRunAndStep", runID+"/"+stepID, persistence.ErrTicketNotFound)
		}

		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}

	return ticket, nil
}

// ListPending returns all undecided, unexpired tickets ordered by request time.
func (r *TicketRepository) ListPending(ctx context.Context) ([]*models.ApprovalTicket, error) {
	query := `
		SELECT` + ticketColumns + `
		FROM approval_tickets
		WHERE decision = $1 AND expired_at IS NULL
		ORDER BY requested_at ASC
	`

	return r.queryTickets(ctx, query, models.DecisionPending)
}

// ListPendingByRun returns the undecided tickets of one run.
func (r *TicketRepository) ListPendingByRun(ctx context.Context, runID string) ([]*models.ApprovalTicket, error) {
	query := `
		SELECT` + ticketColumns + `
		FROM approval_tickets
		WHERE decision = $1 AND expired_at IS NULL AND run_id = $2
		ORDER BY requested_at ASC
	`

	return r.queryTickets(ctx, query, models.DecisionPending, runID)
}

func (r *TicketRepository) queryTickets(ctx context.Context, query string, args ...any) ([]*models.ApprovalTicket, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}

	defer func(ctx context.Context, r *TicketRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	tickets := make([]*models.ApprovalTicket, 0)

	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}

		tickets = append(tickets, ticket)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}

	return tickets, nil
}

func scanTicket(scanner interface {
	Scan(dest ...any) error
}) (*models.ApprovalTicket, error) {
	var ticket models.ApprovalTicket

	err := scanner.Scan(
		&ticket.ID,
		&ticket.RunID,
		&ticket.StepID,
		&ticket.Decision,
		&ticket.DecidedBy,
		&ticket.Comment,
		&ticket.RequestedAt,
		&ticket.ExpiresAt,
		&ticket.DecidedAt,
		&ticket.ExpiredAt,
	)
	if err != nil {
		return nil, err
	}

	return &ticket, nil
}
