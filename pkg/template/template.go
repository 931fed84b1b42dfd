// Package template renders step configuration values against the run
// context, so a step can reference the caller's input and upstream outputs.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/civion/civion/pkg/models"
)

// Parse validates a template string without executing it.
func Parse(input string) (*template.Template, error) {
	return newTemplate().Parse(input)
}

// RenderWithContext renders a template string against a step's run context.
// Available roots: .input (the run's context bag), .steps (succeeded step
// outputs by step ID), .run (run/step identity), .env and .metadata.
func RenderWithContext(input string, runCtx *models.RunContext) (any, error) {
	data := map[string]any{
		"input":    runCtx.Context,
		"steps":    runCtx.StepOutputs,
		"metadata": runCtx.Metadata,
		"env":      getEnvVars(),
		"run": map[string]any{
			"id":                 runCtx.RunID,
			"definition_id":      runCtx.DefinitionID,
			"definition_version": runCtx.DefinitionVersion,
			"step_id":            runCtx.StepID,
			"attempt":            runCtx.Attempt,
			"idempotency_key":    runCtx.IdempotencyKey,
		},
	}

	return Render(input, data)
}

// Render executes a template and coerces the output: JSON objects and
// arrays are decoded, then numbers, then booleans, otherwise the raw string
// is returned.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := newTemplate().Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

func newTemplate() *template.Template {
	return template.
		New("step_config").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}

				num := make([]byte, 1)

				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		})
}

func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
