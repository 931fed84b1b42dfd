// Package persistence provides the data storage abstraction layer for
// definitions, runs and approval tickets.
package persistence

import (
	"context"
	"time"

	"github.com/civion/civion/pkg/models"
)

// RunFilter narrows run listings. Zero values match everything.
type RunFilter struct {
	DefinitionID  string
	Status        models.RunStatus
	UpdatedBefore time.Time
	Limit         int
}

// DefinitionRepository stores published workflow definitions. A published
// (id, version) pair is immutable: Save returns ErrVersionConflict instead
// of overwriting.
type DefinitionRepository interface {
	Save(ctx context.Context, definition *models.WorkflowDefinition) error
	Get(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error)
	Latest(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Versions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error)
	All(ctx context.Context) ([]*models.WorkflowDefinition, error)
}

// RunRepository stores run snapshots. Save upserts the whole run and
// refreshes its UpdatedAt stamp.
type RunRepository interface {
	Save(ctx context.Context, run *models.Run) error
	GetByID(ctx context.Context, id string) (*models.Run, error)
	List(ctx context.Context, filter RunFilter) ([]*models.Run, error)
}

// TicketRepository stores approval tickets. Tickets are archived after
// their decision is applied, never deleted.
type TicketRepository interface {
	Save(ctx context.Context, ticket *models.ApprovalTicket) error
	GetByID(ctx context.Context, id string) (*models.ApprovalTicket, error)
	GetByRunAndStep(ctx context.Context, runID, stepID string) (*models.ApprovalTicket, error)
	ListPending(ctx context.Context) ([]*models.ApprovalTicket, error)
	ListPendingByRun(ctx context.Context, runID string) ([]*models.ApprovalTicket, error)
}

type Persistence interface {
	Definitions() DefinitionRepository
	Runs() RunRepository
	Tickets() TicketRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
