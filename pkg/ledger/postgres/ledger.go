// Package postgres provides the PostgreSQL-backed audit ledger.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/persistence/sqlbase"
)

const migrationsTable = "ledger_schema_migrations"

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Append-only audit trail, one row per recorded transition
			CREATE TABLE audit_entries (
				id UUID PRIMARY KEY,
				run_id VARCHAR(255) NOT NULL,
				seq BIGINT NOT NULL,
				entry_type VARCHAR(100) NOT NULL,
				step_id VARCHAR(255) NOT NULL DEFAULT '',
				ticket_id VARCHAR(255) NOT NULL DEFAULT '',
				from_status VARCHAR(50) NOT NULL DEFAULT '',
				to_status VARCHAR(50) NOT NULL DEFAULT '',
				attempt INT NOT NULL DEFAULT 0,
				actor VARCHAR(255) NOT NULL DEFAULT '',
				detail JSONB,
				recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (run_id, seq)
			);

			CREATE INDEX idx_audit_entries_run_id ON audit_entries(run_id);
			CREATE INDEX idx_audit_entries_entry_type ON audit_entries(entry_type);
			CREATE INDEX idx_audit_entries_recorded_at ON audit_entries(recorded_at);
		`,
	}
}

// Ledger implements the audit ledger on PostgreSQL. Rows are only ever
// inserted; there is no update or delete path.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLedger creates a new PostgreSQL ledger and runs its migrations.
func NewLedger(ctx context.Context, logger *slog.Logger, databaseURL string) (*Ledger, error) {
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

	return &Ledger{
		db:     database,
		logger: logger,
	}, nil
}

// Append inserts the entry with the next sequence number for its run. The
// scheduler dispatches at most one transition per run at a time, so the
// sequence read and the insert can share one transaction without contention.
func (l *Ledger) Append(ctx context.Context, entry *ledger.Entry) error {
	if entry.RunID == "" {
		return ledger.ErrEmptyRunID
	}

	var detailJSON []byte

	if entry.Detail != nil {
		data, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal entry detail: %w", err)
		}

		detailJSON = data
	}

	transaction, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = transaction.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_entries WHERE run_id = $1", entry.RunID,
	).Scan(&entry.Seq)
	if err != nil {
		_ = transaction.Rollback()

		return fmt.Errorf("failed to assign sequence number: %w", err)
	}

	query := `
		INSERT INTO audit_entries (
			id, run_id, seq, entry_type, step_id, ticket_id,
			from_status, to_status, attempt, actor, detail, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = transaction.ExecContext(ctx, query,
		entry.ID,
		entry.RunID,
		entry.Seq,
		entry.Type,
		entry.StepID,
		entry.TicketID,
		entry.From,
		entry.To,
		entry.Attempt,
		entry.Actor,
		detailJSON,
		entry.RecordedAt,
	)
	if err != nil {
		_ = transaction.Rollback()

		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	err = transaction.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit audit entry: %w", err)
	}

	return nil
}

// Query returns all entries for a run ordered by sequence number.
func (l *Ledger) Query(ctx context.Context, runID string) ([]*ledger.Entry, error) {
	query := `
		SELECT
			id
		  , run_id
		  , seq
		  , entry_type
		  , step_id
		  , ticket_id
		  , from_status
		  , to_status
		  , attempt
		  , actor
		  , detail
		  , recorded_at
		FROM audit_entries
		WHERE run_id = $1
		ORDER BY seq ASC
	`

	rows, err := l.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	defer func(ctx context.Context, l *Ledger) {
		err := rows.Close()
		if err != nil {
			l.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, l)

	entries := make([]*ledger.Entry, 0)

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entries = append(entries, entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy.
func (l *Ledger) HealthCheck(ctx context.Context) error {
	err := l.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (l *Ledger) Close(ctx context.Context) error {
	if l.db != nil {
		err := l.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func scanEntry(scanner interface {
	Scan(dest ...any) error
}) (*ledger.Entry, error) {
	var (
		entry      ledger.Entry
		detailJSON []byte
	)

	err := scanner.Scan(
		&entry.ID,
		&entry.RunID,
		&entry.Seq,
		&entry.Type,
		&entry.StepID,
		&entry.TicketID,
		&entry.From,
		&entry.To,
		&entry.Attempt,
		&entry.Actor,
		&detailJSON,
		&entry.RecordedAt,
	)
	if err != nil {
		return nil, err
	}

	if detailJSON != nil {
		err := json.Unmarshal(detailJSON, &entry.Detail)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry detail: %w", err)
		}
	}

	return &entry, nil
}
