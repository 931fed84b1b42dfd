package script

import (
	"context"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunContext() models.RunContext {
	return models.RunContext{
		RunID:          "run-1",
		StepID:         "shell",
		Attempt:        0,
		IdempotencyKey: "run-1:shell:0",
	}
}

func skipOnWindows(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestNewExecutor(t *testing.T) {
	tests := []struct {
		name        string
		config      map[string]any
		expectError bool
	}{
		{
			name:   "valid command",
			config: map[string]any{"command": "echo hi"},
		},
		{
			name:        "missing command",
			config:      map[string]any{},
			expectError: true,
		},
		{
			name:        "blank command",
			config:      map[string]any{"command": "   "},
			expectError: true,
		},
		{
			name:   "custom shell and env",
			config: map[string]any{"command": "echo hi", "shell": "/bin/bash", "env": map[string]any{"K": "v"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor, err := NewExecutor(tt.config)
			if tt.expectError {
				require.ErrorIs(t, err, ErrScriptCommandRequired)

				return
			}

			require.NoError(t, err)
			assert.NotNil(t, executor)
		})
	}
}

func TestExecutor_Execute_CapturesStdout(t *testing.T) {
	skipOnWindows(t)

	executor, err := NewExecutor(map[string]any{"command": "echo hello"})
	require.NoError(t, err)

	output, err := executor.Execute(context.Background(), testRunContext(), slog.Default())
	require.NoError(t, err)

	result, ok := output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", result["stdout"])
	assert.Equal(t, 0, result["exit_code"])
}

func TestExecutor_Execute_ParsesJSONOutput(t *testing.T) {
	skipOnWindows(t)

	executor, err := NewExecutor(map[string]any{"command": `echo '{"status": "done"}'`})
	require.NoError(t, err)

	output, err := executor.Execute(context.Background(), testRunContext(), slog.Default())
	require.NoError(t, err)

	result, ok := output.(map[string]any)
	require.True(t, ok)

	stdout, ok := result["stdout"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "done", stdout["status"])
}

func TestExecutor_Execute_ExportsRunIdentity(t *testing.T) {
	skipOnWindows(t)

	executor, err := NewExecutor(map[string]any{"command": "echo $CIVION_IDEMPOTENCY_KEY"})
	require.NoError(t, err)

	output, err := executor.Execute(context.Background(), testRunContext(), slog.Default())
	require.NoError(t, err)

	result, ok := output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1:shell:0", result["stdout"])
}

func TestExecutor_Execute_NonZeroExitIsTransient(t *testing.T) {
	skipOnWindows(t)

	executor, err := NewExecutor(map[string]any{"command": "echo nope >&2; exit 3"})
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), testRunContext(), slog.Default())
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindTransient, protocol.Classify(err))
	assert.Contains(t, err.Error(), "code 3")
}

func TestExecutor_Execute_TimeoutClassified(t *testing.T) {
	skipOnWindows(t)

	executor, err := NewExecutor(map[string]any{"command": "sleep 5"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = executor.Execute(ctx, testRunContext(), slog.Default())
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindTimeout, protocol.Classify(err))
}

func TestExecutorFactory(t *testing.T) {
	factory := NewExecutorFactory()

	assert.Equal(t, "script", factory.Kind())
	assert.NotEmpty(t, factory.Name())
	require.NotNil(t, factory.Schema())
	assert.Contains(t, factory.Schema().Required, "command")

	executor, err := factory.Create(map[string]any{"command": "true"})
	require.NoError(t, err)
	assert.IsType(t, &Executor{}, executor)
}
