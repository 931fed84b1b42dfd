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
	"time"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// RunRepository stores run snapshots as one JSON file per run under runs/.
type RunRepository struct {
	root string
}

// NewRunRepository creates a new run repository.
func NewRunRepository(root string) *RunRepository {
	return &RunRepository{root: root}
}

// Save writes the full run snapshot and refreshes its UpdatedAt stamp.
func (rr *RunRepository) Save(_ context.Context, run *models.Run) error {
	err := os.MkdirAll(path.Join(rr.root, "runs"), 0750)
	if err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}

	filePath := path.Join(rr.root, "runs", run.ID+".json")

	return os.WriteFile(filePath, data, 0600)
}

// GetByID retrieves a run by its ID from the file system.
func (rr *RunRepository) GetByID(_ context.Context, id string) (*models.Run, error) {
	filePath := filepath.Clean(path.Join(rr.root, "runs", id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
	}

	var run models.Run

	err = json.Unmarshal(body, &run)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}

	return &run, nil
}

// List returns runs matching the filter, newest first.
func (rr *RunRepository) List(ctx context.Context, filter persistence.RunFilter) ([]*models.Run, error) {
	root := os.DirFS(path.Join(rr.root, "runs"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list run files: %w", err)
	}

	runs := make([]*models.Run, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		run, err := rr.GetByID(ctx, file[:len(file)-5])
		if err != nil {
			return nil, err
		}

		if !matchesFilter(run, filter) {
			continue
		}

		runs = append(runs, run)
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
