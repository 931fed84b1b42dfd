// Package registry maps step kinds to executor factories.
package registry

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
)

type Registry struct {
	logger            *slog.Logger
	executorFactories map[string]protocol.ExecutorFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:            log,
		executorFactories: make(map[string]protocol.ExecutorFactory),
	}
}

// RegisterExecutor adds a factory, replacing any factory previously
// registered for the same kind.
func (r *Registry) RegisterExecutor(factory protocol.ExecutorFactory) {
	r.executorFactories[factory.Kind()] = factory
}

// CreateExecutor builds an executor for the given kind from step config.
func (r *Registry) CreateExecutor(kind string, config map[string]any) (protocol.StepExecutor, error) {
	factory, ok := r.executorFactories[kind]
	if !ok {
		return nil, fmt.Errorf("step kind '%s' not registered", kind)
	}

	return factory.Create(config)
}

// HasKind reports whether a factory is registered for the kind.
func (r *Registry) HasKind(kind string) bool {
	_, ok := r.executorFactories[kind]

	return ok
}

// Schema returns the config schema for a kind, or nil when unregistered.
func (r *Registry) Schema(kind string) *models.JSONSchema {
	factory, ok := r.executorFactories[kind]
	if !ok {
		return nil
	}

	return factory.Schema()
}

// Executors lists the registered kinds as catalog entries.
func (r *Registry) Executors() []*models.RegisteredExecutor {
	executors := make([]*models.RegisteredExecutor, 0, len(r.executorFactories))

	for _, factory := range r.executorFactories {
		executors = append(executors, &models.RegisteredExecutor{
			Kind:        factory.Kind(),
			Name:        factory.Name(),
			Description: factory.Description(),
			Schema:      factory.Schema(),
		})
	}

	return executors
}

// HealthCheck reports the registered kinds for the health endpoint.
func (r *Registry) HealthCheck() (map[string]any, bool) {
	kinds := make([]string, 0, len(r.executorFactories))
	for kind := range r.executorFactories {
		kinds = append(kinds, kind)
	}

	return map[string]any{"registered_kinds": kinds}, len(kinds) > 0
}

// LoadExecutorPlugins opens every .so under pluginsPath/executors and
// registers the exported Executor symbol, which must implement
// protocol.ExecutorFactory.
func (r *Registry) LoadExecutorPlugins(pluginsPath string) error {
	rootPath := pluginsPath + "/executors"
	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return fmt.Errorf("failed to list executor plugins: %w", err)
	}

	l := r.logger.With(slog.String("path", rootPath))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup("Executor")
		if err != nil {
			return fmt.Errorf("plugin %s has no Executor symbol: %w", p, err)
		}

		factory, ok := symbol.(protocol.ExecutorFactory)
		if !ok {
			return fmt.Errorf("plugin %s: Executor symbol is not an ExecutorFactory", p)
		}

		r.RegisterExecutor(factory)
		l.Info("Loaded executor plugin", slog.String("plugin", p), slog.String("kind", factory.Kind()))
	}

	return nil
}
