package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// DefinitionRepository handles definition-related database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

const definitionColumns = `
			id
		  , version
		  , name
		  , description
		  , steps
		  , dependencies
		  , retry_policy
		  , sla_seconds
		  , metadata
		  , published_at
		  , published_by
`

// Save inserts a published definition version. Existing versions are never
// overwritten; a collision yields ErrVersionConflict.
func (r *DefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(definition.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	dependenciesJSON, err := json.Marshal(definition.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	retryPolicyJSON, err := json.Marshal(definition.RetryPolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal retry policy: %w", err)
	}

	metadataJSON, err := json.Marshal(definition.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO workflow_definitions (id, version, name, description,
steps, dependencies, retry_policy, sla_seconds, metadata, published_at, published_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id, version) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		definition.ID,
		definition.Version,
		definition.Name,
		definition.Description,
		stepsJSON,
		dependenciesJSON,
		retryPolicyJSON,
		definition.SLASeconds,
		metadataJSON,
		definition.PublishedAt,
		definition.PublishedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}

	if inserted == 0 {
		return persistence.NewDefinitionError("Save", definition.ID, definition.Version, persistence.ErrVersionConflict)
	}

	return nil
}

// Get retrieves one published definition version.
func (r *DefinitionRepository) Get(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	query := `
		SELECT` + definitionColumns + `
		FROM workflow_definitions
		WHERE id = $1 AND version = $2
	`

	row := r.db.QueryRowContext(ctx, query, id, version)

	definition, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("Get", id, version, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	return definition, nil
}

// Latest retrieves the highest published version of a definition.
func (r *DefinitionRepository) Latest(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `
		SELECT` + definitionColumns + `
		FROM workflow_definitions
		WHERE id = $1
		ORDER BY version DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	definition, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("Latest", id, 0, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	return definition, nil
}

// Versions retrieves every published version of a definition in ascending order.
func (r *DefinitionRepository) Versions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error) {
	query := `
		SELECT` + definitionColumns + `
		FROM workflow_definitions
		WHERE id = $1
		ORDER BY version ASC
	`

	definitions, err := r.queryDefinitions(ctx, query, id)
	if err != nil {
		return nil, err
	}

	if len(definitions) == 0 {
		return nil, persistence.NewDefinitionError("Versions", id, 0, persistence.ErrDefinitionNotFound)
	}

	return definitions, nil
}

// All retrieves the latest version of every published definition, ordered by ID.
func (r *DefinitionRepository) All(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	query := `
		SELECT DISTINCT ON (id)` + definitionColumns + `
		FROM workflow_definitions
		ORDER BY id ASC, version DESC
	`

	return r.queryDefinitions(ctx, query)
}

func (r *DefinitionRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer func(ctx context.Context, r *DefinitionRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		definition, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		definitions = append(definitions, definition)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return definitions, nil
}

func scanDefinition(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowDefinition, error) {
	var (
		definition                                           models.WorkflowDefinition
		stepsJSON, dependenciesJSON, retryJSON, metadataJSON []byte
	)

	err := scanner.Scan(
		&definition.ID,
		&definition.Version,
		&definition.Name,
		&definition.Description,
		&stepsJSON,
		&dependenciesJSON,
		&retryJSON,
		&definition.SLASeconds,
		&metadataJSON,
		&definition.PublishedAt,
		&definition.PublishedBy,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(stepsJSON, &definition.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if dependenciesJSON != nil {
		err := json.Unmarshal(dependenciesJSON, &definition.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
	}

	if retryJSON != nil {
		err := json.Unmarshal(retryJSON, &definition.RetryPolicy)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal retry policy: %w", err)
		}
	}

	if metadataJSON != nil {
		err := json.Unmarshal(metadataJSON, &definition.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &definition, nil
}
