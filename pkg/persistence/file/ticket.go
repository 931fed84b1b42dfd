package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// TicketRepository stores approval tickets as one JSON file per ticket under tickets/.
type TicketRepository struct {
	root string
}

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(root string) *TicketRepository {
	return &TicketRepository{root: root}
}

// Save writes the full ticket record.
func (tr *TicketRepository) Save(_ context.Context, ticket *models.ApprovalTicket) error {
	err := os.MkdirAll(path.Join(tr.root, "tickets"), 0750)
	if err != nil {
		return fmt.Errorf("failed to create tickets directory: %w", err)
	}

	data, err := json.MarshalIndent(ticket, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ticket %s: %w", ticket.ID, err)
	}

	filePath := path.Join(tr.root, "tickets", ticket.ID+".json")

	return os.WriteFile(filePath, data, 0600)
}

// GetByID retrieves a ticket by its ID from the file system.
func (tr *TicketRepository) GetByID(_ context.Context, id string) (*models.ApprovalTicket, error) {
	filePath := filepath.Clean(path.Join(tr.root, "tickets", id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewTicketError("GetByID", id, persistence.ErrTicketNotFound)
		}

		return nil, fmt.Errorf("failed to fetch ticket %s: %w", id, err)
	}

	var ticket models.ApprovalTicket

	err = json.Unmarshal(body, &ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticket %s: %w", id, err)
	}

	return &ticket, nil
}

// GetByRunAndStep retrieves the ticket gating one approval step of a run.
func (tr *TicketRepository) GetByRunAndStep(ctx context.Context, runID, stepID string) (*models.ApprovalTicket, error) {
	tickets, err := tr.all(ctx)
	if err != nil {
		return nil, err
	}

	for _, ticket := range tickets {
		if ticket.RunID == runID && ticket.StepID == stepID {
			return ticket, nil
		}
	}

	return nil, persistence.NewTicketError("GetByRunAndStep", runID+"/"+stepID, persistence.ErrTicketNotFound)
}

// ListPending returns all undecided, unexpired tickets ordered by request time.
func (tr *TicketRepository) ListPending(ctx context.Context) ([]*models.ApprovalTicket, error) {
	tickets, err := tr.all(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]*models.ApprovalTicket, 0)

	for _, ticket := range tickets {
		if !ticket.Resolved() {
			pending = append(pending, ticket)
		}
	}

	return pending, nil
}

// ListPendingByRun returns the undecided tickets of one run.
func (tr *TicketRepository) ListPendingByRun(ctx context.Context, runID string) ([]*models.ApprovalTicket, error) {
	pending, err := tr.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*models.ApprovalTicket, 0)

	for _, ticket := range pending {
		if ticket.RunID == runID {
			matched = append(matched, ticket)
		}
	}

	return matched, nil
}

func (tr *TicketRepository) all(ctx context.Context) ([]*models.ApprovalTicket, error) {
	root := os.DirFS(path.Join(tr.root, "tickets"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket files: %w", err)
	}

	tickets := make([]*models.ApprovalTicket, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		ticket, err := tr.GetByID(ctx, file[:len(file)-5])
		if err != nil {
			return nil, err
		}

		tickets = append(tickets, ticket)
	}

	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].RequestedAt.Before(tickets[j].RequestedAt)
	})

	return tickets, nil
}
