// Package file provides file-based persistence for definitions, runs and tickets.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/civion/civion/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root           string
	definitionRepo *DefinitionRepository
	runRepo        *RunRepository
	ticketRepo     *TicketRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) persistence.Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:           cleanRoot,
		definitionRepo: NewDefinitionRepository(cleanRoot),
		runRepo:        NewRunRepository(cleanRoot),
		ticketRepo:     NewTicketRepository(cleanRoot),
	}
}

// Definitions returns the definition repository implementation for file persistence.
func (fp *Persistence) Definitions() persistence.DefinitionRepository {
	return fp.definitionRepo
}

// Runs returns the run repository implementation for file persistence.
func (fp *Persistence) Runs() persistence.RunRepository {
	return fp.runRepo
}

// Tickets returns the ticket repository implementation for file persistence.
func (fp *Persistence) Tickets() persistence.TicketRepository {
	return fp.ticketRepo
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}
