package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civion/civion/pkg/models"
)

func writeDefinitionFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefinition_YAML(t *testing.T) {
	t.Parallel()

	path := writeDefinitionFile(t, "pipeline.yaml", `
id: order-pipeline
name: Order Pipeline
description: Validates and ships orders
steps:
  - id: validate
    kind: script
    config:
      command: ./validate.sh
    timeout_seconds: 30
  - id: ship
    kind: http
    config:
      url: https://shipping.internal/dispatch
      method: POST
    retry_policy:
      max_attempts: 5
      backoff_base_ms: 200
      backoff_multiplier: 1.5
      retryable_error_kinds: [transient]
dependencies:
  ship: [validate]
retry_policy:
  max_attempts: 2
sla_seconds: 900
metadata:
  team: fulfillment
`)

	def, err := LoadDefinition(path)
	require.NoError(t, err)

	assert.Equal(t, "order-pipeline", def.ID)
	assert.Equal(t, "Order Pipeline", def.Name)
	assert.Equal(t, "Validates and ships orders", def.Description)
	assert.Equal(t, 900, def.SLASeconds)
	assert.Equal(t, "fulfillment", def.Metadata["team"])

	require.Len(t, def.Steps, 2)
	assert.Equal(t, models.StepKindScript, def.Steps[0].Kind)
	assert.Equal(t, "./validate.sh", def.Steps[0].Config["command"])
	assert.Equal(t, 30, def.Steps[0].TimeoutSeconds)
	assert.Equal(t, []string{"validate"}, def.DependenciesOf("ship"))

	require.NotNil(t, def.RetryPolicy)
	assert.Equal(t, 2, def.RetryPolicy.MaxAttempts)

	shipPolicy := def.Steps[1].RetryPolicy
	require.NotNil(t, shipPolicy)
	assert.Equal(t, 5, shipPolicy.MaxAttempts)
	assert.Equal(t, 200, shipPolicy.BackoffBaseMs)
	assert.InDelta(t, 1.5, shipPolicy.BackoffMultiplier, 0.001)
	assert.Equal(t, []models.ErrorKind{models.ErrorKindTransient}, shipPolicy.RetryableErrorKinds)
}

func TestLoadDefinition_JSON(t *testing.T) {
	t.Parallel()

	path := writeDefinitionFile(t, "pipeline.json", `{
		"id": "order-pipeline",
		"name": "Order Pipeline",
		"steps": [
			{"id": "validate", "kind": "script", "timeout_seconds": 30},
			{"id": "ship", "kind": "http"}
		],
		"dependencies": {"ship": ["validate"]},
		"retry_policy": {"max_attempts": 4}
	}`)

	def, err := LoadDefinition(path)
	require.NoError(t, err)

	assert.Equal(t, "order-pipeline", def.ID)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, 30, def.Steps[0].TimeoutSeconds)
	assert.Equal(t, []string{"validate"}, def.DependenciesOf("ship"))
	require.NotNil(t, def.RetryPolicy)
	assert.Equal(t, 4, def.RetryPolicy.MaxAttempts)
}

func TestLoadDefinition_StepRetryPolicyResolution(t *testing.T) {
	t.Parallel()

	path := writeDefinitionFile(t, "pipeline.yaml", `
id: mixed
name: Mixed Policies
steps:
  - id: tuned
    kind: script
    retry_policy:
      max_attempts: 7
  - id: plain
    kind: script
`)

	def, err := LoadDefinition(path)
	require.NoError(t, err)

	assert.Equal(t, 7, def.RetryPolicyFor("tuned").MaxAttempts)
	assert.Equal(t, models.DefaultMaxAttempts, def.RetryPolicyFor("plain").MaxAttempts)
}

func TestLoadDefinition_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		path        func(t *testing.T) string
		expectedErr string
	}{
		{
			name: "missing file",
			path: func(t *testing.T) string {
				t.Helper()

				return filepath.Join(t.TempDir(), "absent.yaml")
			},
			expectedErr: "failed to read definition file",
		},
		{
			name: "unsupported extension",
			path: func(t *testing.T) string {
				t.Helper()

				return writeDefinitionFile(t, "pipeline.toml", "id = \"nope\"")
			},
			expectedErr: "unsupported definition file extension",
		},
		{
			name: "malformed yaml",
			path: func(t *testing.T) string {
				t.Helper()

				return writeDefinitionFile(t, "broken.yaml", "steps: [\n")
			},
			expectedErr: "failed to parse YAML definition",
		},
		{
			name: "malformed json",
			path: func(t *testing.T) string {
				t.Helper()

				return writeDefinitionFile(t, "broken.json", "{\"id\": ")
			},
			expectedErr: "failed to parse JSON definition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadDefinition(tt.path(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}
