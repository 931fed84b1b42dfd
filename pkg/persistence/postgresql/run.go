package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

const runColumns = `
			id
		  , definition_id
		  , definition_version
		  , status
		  , step_states
		  , context
		  , requested_by
		  , deadline
		  , sla_breached_at
		  , created_at
		  , updated_at
		  , started_at
		  , ended_at
`

// Save upserts the full run snapshot and refreshes its UpdatedAt stamp.
func (r *RunRepository) Save(ctx context.Context, run *models.Run) error {
	now := time.Now().UTC()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	stepStatesJSON, err := json.Marshal(run.StepStates)
	if err != nil {
		return fmt.Errorf("failed to marshal step states: %w", err)
	}

	contextJSON, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}

	query := `
		INSERT INTO runs (id, definition_id, definition_version, status,
step_states, context, requested_by, deadline, sla_breached_at, created_at, updated_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			step_states = EXCLUDED.step_states,
			context = EXCLUDED.context,
			sla_breached_at = EXCLUDED.sla_breached_at,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.DefinitionID,
		run.DefinitionVersion,
		run.Status,
		stepStatesJSON,
		contextJSON,
		run.RequestedBy,
		run.Deadline,
		run.SLABreachedAt,
		run.CreatedAt,
		run.UpdatedAt,
		run.StartedAt,
		run.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	query := `
		SELECT` + runColumns + `
		FROM runs
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// List returns runs matching the filter, newest first.
func (r *RunRepository) List(ctx context.Context, filter persistence.RunFilter) ([]*models.Run, error) {
	query := `
		SELECT` + runColumns + `
		FROM runs
	`

	conditions := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		conditions = append(conditions, fmt.Sprintf("definition_id = $%d", len(args)))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		conditions = append(conditions, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func(ctx context.Context, r *RunRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*models.Run, error) {
	var (
		run                         models.Run
		stepStatesJSON, contextJSON []byte
	)

	err := scanner.Scan(
		&run.ID,
		&run.DefinitionID,
		&run.DefinitionVersion,
		&run.Status,
		&stepStatesJSON,
		&contextJSON,
		&run.RequestedBy,
		&run.Deadline,
		&run.SLABreachedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.StartedAt,
		&run.EndedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(stepStatesJSON, &run.StepStates)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step states: %w", err)
	}

	if contextJSON != nil {
		err := json.Unmarshal(contextJSON, &run.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal run context: %w", err)
		}
	}

	return &run, nil
}
