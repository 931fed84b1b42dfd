// Package script provides shell command execution for workflow steps.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
)

const defaultShell = "/bin/sh"

// ErrScriptCommandRequired is returned when the config has no command.
var ErrScriptCommandRequired = errors.New("missing or invalid 'command' in configuration")

// Executor runs a shell command and captures its output. The run identity
// and idempotency key are exported to the child process environment so
// scripts with side effects can de-duplicate.
type Executor struct {
	Command    string
	Shell      string
	WorkingDir string
	Env        map[string]string
}

// NewExecutor creates a script executor from configuration.
func NewExecutor(config map[string]any) (*Executor, error) {
	command, ok := config["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return nil, ErrScriptCommandRequired
	}

	shell, _ := config["shell"].(string)
	if shell == "" {
		shell = defaultShell
	}

	workingDir, _ := config["working_dir"].(string)

	env := make(map[string]string)

	if envConfig, exists := config["env"]; exists {
		if envMap, ok := envConfig.(map[string]any); ok {
			for k, v := range envMap {
				if strVal, ok := v.(string); ok {
					env[k] = strVal
				}
			}
		}
	}

	return &Executor{
		Command:    command,
		Shell:      shell,
		WorkingDir: workingDir,
		Env:        env,
	}, nil
}

// Execute runs the command and returns its captured output. A non-zero exit
// is a transient failure; a command that cannot start at all is permanent.
func (e *Executor) Execute(ctx context.Context, runCtx models.RunContext, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "script_executor")
	logger.InfoContext(ctx, "Executing script step", "shell", e.Shell)

	cmd := exec.CommandContext(ctx, e.Shell, "-c", e.Command)
	cmd.Dir = e.WorkingDir
	cmd.Env = e.buildEnv(runCtx)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("script interrupted: %w", ctxErr)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, protocol.NewTransientError(
				fmt.Errorf("script exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())))
		}

		return nil, protocol.NewPermanentError(fmt.Errorf("script failed to start: %w", err))
	}

	output := parseOutput(stdout.String())

	logger.InfoContext(ctx, "Script step completed", "stdout_bytes", stdout.Len())

	return map[string]any{
		"stdout":    output,
		"stderr":    strings.TrimSpace(stderr.String()),
		"exit_code": 0,
	}, nil
}

func (e *Executor) buildEnv(runCtx models.RunContext) []string {
	env := os.Environ()

	for k, v := range e.Env {
		env = append(env, k+"="+v)
	}

	env = append(env,
		"CIVION_RUN_ID="+runCtx.RunID,
		"CIVION_STEP_ID="+runCtx.StepID,
		"CIVION_ATTEMPT="+strconv.Itoa(runCtx.Attempt),
		"CIVION_IDEMPOTENCY_KEY="+runCtx.IdempotencyKey,
	)

	return env
}

// parseOutput decodes JSON stdout when possible, otherwise returns the
// trimmed text.
func parseOutput(raw string) any {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any

		err := json.Unmarshal([]byte(trimmed), &decoded)
		if err == nil {
			return decoded
		}
	}

	return trimmed
}
