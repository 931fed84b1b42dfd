package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// DefinitionRepository handles definition storage in Redis.
type DefinitionRepository struct {
	client *goredis.Client
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(client *goredis.Client) *DefinitionRepository {
	return &DefinitionRepository{client: client}
}

// Save writes a published definition version. SETNX keeps published versions
// immutable; the version and ID indexes are updated afterwards.
func (r *DefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	payload, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	stored, err := r.client.SetNX(ctx, definitionKey(definition.ID, definition.Version), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}

	if !stored {
		return persistence.NewDefinitionError("Save", definition.ID, definition.Version, persistence.ErrVersionConflict)
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, definitionVersionsKey(definition.ID), goredis.Z{
		Score:  float64(definition.Version),
		Member: strconv.Itoa(definition.Version),
	})
	pipe.SAdd(ctx, definitionIndexKey(), definition.ID)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to index definition: %w", err)
	}

	return nil
}

// Get retrieves one published definition version.
func (r *DefinitionRepository) Get(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	data, err := r.client.Get(ctx, definitionKey(id, version)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewDefinitionError("Get", id, version, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to fetch definition %s v%d: %w", id, version, err)
	}

	var definition models.WorkflowDefinition

	err = json.Unmarshal(data, &definition)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition %s v%d: %w", id, version, err)
	}

	return &definition, nil
}

// Latest retrieves the highest published version of a definition.
func (r *DefinitionRepository) Latest(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	versions, err := r.client.ZRevRange(ctx, definitionVersionsKey(id), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest version of %s: %w", id, err)
	}

	if len(versions) == 0 {
		return nil, persistence.NewDefinitionError("Latest", id, 0, persistence.ErrDefinitionNotFound)
	}

	version, err := strconv.Atoi(versions[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse version %q of %s: %w", versions[0], id, err)
	}

	return r.Get(ctx, id, version)
}

// Versions retrieves every published version of a definition in ascending order.
func (r *DefinitionRepository) Versions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error) {
	members, err := r.client.ZRange(ctx, definitionVersionsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch versions of %s: %w", id, err)
	}

	if len(members) == 0 {
		return nil, persistence.NewDefinitionError("Versions", id, 0, persistence.ErrDefinitionNotFound)
	}

	definitions := make([]*models.WorkflowDefinition, 0, len(members))

	for _, member := range members {
		version, err := strconv.Atoi(member)
		if err != nil {
			return nil, fmt.Errorf("failed to parse version %q of %s: %w", member, id, err)
		}

		definition, err := r.Get(ctx, id, version)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}

// All retrieves the latest version of every published definition, ordered by ID.
func (r *DefinitionRepository) All(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	ids, err := r.client.SMembers(ctx, definitionIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list definition ids: %w", err)
	}

	sort.Strings(ids)

	definitions := make([]*models.WorkflowDefinition, 0, len(ids))

	for _, id := range ids {
		definition, err := r.Latest(ctx, id)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}
