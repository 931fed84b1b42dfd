// Package postgresql provides PostgreSQL persistence for definitions, runs and tickets.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/persistence/sqlbase"
)

const migrationsTable = "schema_migrations"

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	definitionRepo *DefinitionRepository
	runRepo        *RunRepository
	ticketRepo     *TicketRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrationsTable, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger,
		definitionRepo: NewDefinitionRepository(database, logger),
		runRepo:        NewRunRepository(database, logger),
		ticketRepo:     NewTicketRepository(database, logger),
	}, nil
}

// Definitions returns the definition repository.
func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitionRepo
}

// Runs returns the run repository.
func (p *Persistence) Runs() persistence.RunRepository {
	return p.runRepo
}

// Tickets returns the ticket repository.
func (p *Persistence) Tickets() persistence.TicketRepository {
	return p.ticketRepo
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
