package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct{}

func (stubExecutor) Execute(_ context.Context, _ models.RunContext, _ *slog.Logger) (any, error) {
	return "ok", nil
}

type stubFactory struct {
	kind      string
	createErr error
}

func (f stubFactory) Create(_ map[string]any) (protocol.StepExecutor, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}

	return stubExecutor{}, nil
}

func (f stubFactory) Kind() string        { return f.kind }
func (f stubFactory) Name() string        { return "Stub " + f.kind }
func (f stubFactory) Description() string { return "stub factory" }
func (f stubFactory) Schema() *models.JSONSchema {
	return &models.JSONSchema{Type: "object"}
}

func TestRegistry_CreateExecutor(t *testing.T) {
	registry := NewRegistry(slog.Default())
	registry.RegisterExecutor(stubFactory{kind: "script"})

	executor, err := registry.CreateExecutor("script", map[string]any{})
	require.NoError(t, err)
	assert.NotNil(t, executor)
}

func TestRegistry_CreateExecutor_UnknownKind(t *testing.T) {
	registry := NewRegistry(slog.Default())

	_, err := registry.CreateExecutor("teleport", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegistry_CreateExecutor_FactoryError(t *testing.T) {
	registry := NewRegistry(slog.Default())
	registry.RegisterExecutor(stubFactory{kind: "http", createErr: errors.New("bad config")})

	_, err := registry.CreateExecutor("http", nil)
	assert.Error(t, err)
}

func TestRegistry_HasKindAndSchema(t *testing.T) {
	registry := NewRegistry(slog.Default())
	registry.RegisterExecutor(stubFactory{kind: "agent"})

	assert.True(t, registry.HasKind("agent"))
	assert.False(t, registry.HasKind("approval"))
	assert.NotNil(t, registry.Schema("agent"))
	assert.Nil(t, registry.Schema("approval"))
}

func TestRegistry_Executors_Catalog(t *testing.T) {
	registry := NewRegistry(slog.Default())
	registry.RegisterExecutor(stubFactory{kind: "script"})
	registry.RegisterExecutor(stubFactory{kind: "http"})

	executors := registry.Executors()
	require.Len(t, executors, 2)

	kinds := []string{executors[0].Kind, executors[1].Kind}
	assert.ElementsMatch(t, []string{"script", "http"}, kinds)
}

func TestRegistry_HealthCheck(t *testing.T) {
	registry := NewRegistry(slog.Default())

	_, ok := registry.HealthCheck()
	assert.False(t, ok)

	registry.RegisterExecutor(stubFactory{kind: "script"})

	details, ok := registry.HealthCheck()
	assert.True(t, ok)
	assert.Contains(t, details, "registered_kinds")
}
