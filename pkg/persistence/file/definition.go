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
	"strconv"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// DefinitionRepository stores published definitions as one JSON file per
// version under definitions/<id>/<version>.json.
type DefinitionRepository struct {
	root string
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(root string) *DefinitionRepository {
	return &DefinitionRepository{root: root}
}

func (dr *DefinitionRepository) dir(definitionID string) string {
	return path.Join(dr.root, "definitions", definitionID)
}

// Save writes a published definition version. An existing version file is
// never overwritten.
func (dr *DefinitionRepository) Save(_ context.Context, definition *models.WorkflowDefinition) error {
	dir := dr.dir(definition.ID)

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create definitions directory: %w", err)
	}

	filePath := path.Join(dir, strconv.Itoa(definition.Version)+".json")

	if _, err := os.Stat(filePath); err == nil {
		return persistence.NewDefinitionError("Save", definition.ID, definition.Version, persistence.ErrVersionConflict)
	}

	data, err := json.MarshalIndent(definition, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal definition %s: %w", definition.ID, err)
	}

	return os.WriteFile(filePath, data, 0600)
}

// Get retrieves one published definition version.
func (dr *DefinitionRepository) Get(_ context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	filePath := filepath.Clean(path.Join(dr.dir(id), strconv.Itoa(version)+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewDefinitionError("Get", id, version, persistence.ErrDefinitionNotFound)
		}

		return nil, fmt.Errorf("failed to fetch definition %s v%d: %w", id, version, err)
	}

	var definition models.WorkflowDefinition

	err = json.Unmarshal(body, &definition)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition %s v%d: %w", id, version, err)
	}

	return &definition, nil
}

// Latest retrieves the highest published version of a definition.
func (dr *DefinitionRepository) Latest(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	versions, err := dr.versionNumbers(id)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, persistence.NewDefinitionError("Latest", id, 0, persistence.ErrDefinitionNotFound)
	}

	return dr.Get(ctx, id, versions[len(versions)-1])
}

// Versions retrieves every published version of a definition in ascending order.
func (dr *DefinitionRepository) Versions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error) {
	versions, err := dr.versionNumbers(id)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		return nil, persistence.NewDefinitionError("Versions", id, 0, persistence.ErrDefinitionNotFound)
	}

	definitions := make([]*models.WorkflowDefinition, 0, len(versions))

	for _, version := range versions {
		definition, err := dr.Get(ctx, id, version)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}

// All retrieves the latest version of every published definition, ordered by ID.
func (dr *DefinitionRepository) All(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	entries, err := os.ReadDir(path.Join(dr.root, "definitions"))
	if err != nil {
		if os.IsNotExist(err) {
			return make([]*models.WorkflowDefinition, 0), nil
		}

		return nil, fmt.Errorf("failed to list definitions directory: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}

	sort.Strings(ids)

	definitions := make([]*models.WorkflowDefinition, 0, len(ids))

	for _, id := range ids {
		definition, err := dr.Latest(ctx, id)
		if err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	return definitions, nil
}

// versionNumbers returns the published versions of a definition in ascending order.
func (dr *DefinitionRepository) versionNumbers(id string) ([]int, error) {
	root := os.DirFS(dr.dir(id))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list definition files: %w", err)
	}

	versions := make([]int, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		version, err := strconv.Atoi(file[:len(file)-5])
		if err != nil {
			continue
		}

		versions = append(versions, version)
	}

	sort.Ints(versions)

	return versions, nil
}
