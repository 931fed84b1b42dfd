package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// RunRepository handles run storage in Redis.
type RunRepository struct {
	client *goredis.Client
}

// NewRunRepository creates a new run repository.
func NewRunRepository(client *goredis.Client) *RunRepository {
	return &RunRepository{client: client}
}

// Save upserts the run document and keeps the definition and status indexes
// in step with it.
func (r *RunRepository) Save(ctx context.Context, run *models.Run) error {
	prevStatus := models.RunStatus("")

	if data, err := r.client.Get(ctx, runKey(run.ID)).Bytes(); err == nil {
		var prev models.Run
		if err := json.Unmarshal(data, &prev); err == nil {
			prevStatus = prev.Status
		}
	}

	now := time.Now().UTC()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, runKey(run.ID), payload, 0)
	pipe.ZAdd(ctx, runAllIndexKey(), goredis.Z{Score: float64(run.CreatedAt.Unix()), Member: run.ID})
	pipe.ZAdd(ctx, runDefinitionIndexKey(run.DefinitionID), goredis.Z{Score: float64(run.CreatedAt.Unix()), Member: run.ID})
	pipe.ZAdd(ctx, runStatusIndexKey(run.Status), goredis.Z{Score: float64(run.UpdatedAt.Unix()), Member: run.ID})

	if prevStatus != "" && prevStatus != run.Status {
		pipe.ZRem(ctx, runStatusIndexKey(prevStatus), run.ID)
	}

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	data, err := r.client.Get(ctx, runKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
	}

	var run models.Run

	err = json.Unmarshal(data, &run)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}

	return &run, nil
}

// List returns runs matching the filter, newest first. The narrowest index
// provides the candidates; remaining filters are applied after loading.
func (r *RunRepository) List(ctx context.Context, filter persistence.RunFilter) ([]*models.Run, error) {
	index := runAllIndexKey()

	switch {
	case filter.Status != "":
		index = runStatusIndexKey(filter.Status)
	case filter.DefinitionID != "":
		index = runDefinitionIndexKey(filter.DefinitionID)
	}

	ids, err := r.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list run ids: %w", err)
	}

	if len(ids) == 0 {
		return make([]*models.Run, 0), nil
	}

	pipe := r.client.Pipeline()
	cmds := make(map[string]*goredis.StringCmd, len(ids))

	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, runKey(id))
	}

	_, _ = pipe.Exec(ctx)

	runs := make([]*models.Run, 0, len(ids))

	for _, id := range ids {
		data, err := cmds[id].Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}

			return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
		}

		var run models.Run

		err = json.Unmarshal(data, &run)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
		}

		if !matchesFilter(&run, filter) {
			continue
		}

		runs = append(runs, &run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}

	return runs, nil
}

func matchesFilter(run *models.Run, filter persistence.RunFilter) bool {
	if filter.DefinitionID != "" && run.DefinitionID != filter.DefinitionID {
		return false
	}

	if filter.Status != "" && run.Status != filter.Status {
		return false
	}

	if !filter.UpdatedBefore.IsZero() && !run.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}

	return true
}
