package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// TicketRepository handles approval-ticket storage in Redis.
type TicketRepository struct {
	client *goredis.Client
}

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(client *goredis.Client) *TicketRepository {
	return &TicketRepository{client: client}
}

// Save upserts the ticket document. Resolved tickets leave the pending
// indexes; undecided ones stay listed.
func (r *TicketRepository) Save(ctx context.Context, ticket *models.ApprovalTicket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, ticketKey(ticket.ID), payload, 0)
	pipe.Set(ctx, ticketStepIndexKey(ticket.RunID, ticket.StepID), ticket.ID, 0)

	if ticket.Resolved() {
		pipe.ZRem(ctx, ticketPendingIndexKey(), ticket.ID)
		pipe.SRem(ctx, ticketRunPendingIndexKey(ticket.RunID), ticket.ID)
	} else {
		pipe.ZAdd(ctx, ticketPendingIndexKey(), goredis.Z{Score: float64(ticket.RequestedAt.Unix()), Member: ticket.ID})
		pipe.SAdd(ctx, ticketRunPendingIndexKey(ticket.RunID), ticket.ID)
	}

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save ticket: %w", err)
	}

	return nil
}

// GetByID retrieves a ticket by its ID.
func (r *TicketRepository) GetByID(ctx context.Context, id string) (*models.ApprovalTicket, error) {
	data, err := r.client.Get(ctx, ticketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewTicketError("GetByID", id, persistence.ErrTicketNotFound)
		}

		return nil, fmt.Errorf("failed to fetch ticket %s: %w", id, err)
	}

	var ticket models.ApprovalTicket

	err = json.Unmarshal(data, &ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticket %s: %w", id, err)
	}

	return &ticket, nil
}

// GetByRunAndStep retrieves the ticket gating one approval step of a run.
func (r *TicketRepository) GetByRunAndStep(ctx context.Context, runID, stepID string) (*models.ApprovalTicket, error) {
	ticketID, err := r.client.Get(ctx, ticketStepIndexKey(runID, stepID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewTicketError("GetByRunAndStep", runID+"/"+stepID, persistence.ErrTicketNotFound)
		}

		return nil, fmt.Errorf("failed to resolve ticket for %s/%s: %w", runID, stepID, err)
	}

	return r.GetByID(ctx, ticketID)
}

// ListPending returns all undecided, unexpired tickets ordered by request time.
func (r *TicketRepository) ListPending(ctx context.Context) ([]*models.ApprovalTicket, error) {
	ids, err := r.client.ZRange(ctx, ticketPendingIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tickets: %w", err)
	}

	return r.load(ctx, ids)
}

// ListPendingByRun returns the undecided tickets of one run.
func (r *TicketRepository) ListPendingByRun(ctx context.Context, runID string) ([]*models.ApprovalTicket, error) {
	ids, err := r.client.SMembers(ctx, ticketRunPendingIndexKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tickets for run %s: %w", runID, err)
	}

	tickets, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].RequestedAt.Before(tickets[j].RequestedAt)
	})

	return tickets, nil
}

func (r *TicketRepository) load(ctx context.Context, ids []string) ([]*models.ApprovalTicket, error) {
	tickets := make([]*models.ApprovalTicket, 0, len(ids))

	for _, id := range ids {
		ticket, err := r.GetByID(ctx, id)
		if err != nil {
			if persistence.IsTicketNotFound(err) {
				continue
			}

			return nil, err
		}

		tickets = append(tickets, ticket)
	}

	return tickets, nil
}
