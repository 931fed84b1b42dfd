package template

import (
	"strings"

	"github.com/civion/civion/pkg/models"
)

// RenderConfig renders every templated string value in a step config,
// recursing into nested maps and slices. Non-string leaves and strings
// without template markers pass through untouched.
func RenderConfig(config map[string]any, runCtx *models.RunContext) (map[string]any, error) {
	rendered := make(map[string]any, len(config))

	for key, value := range config {
		result, err := renderValue(value, runCtx)
		if err != nil {
			return nil, err
		}

		rendered[key] = result
	}

	return rendered, nil
}

func renderValue(value any, runCtx *models.RunContext) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}

		return RenderWithContext(v, runCtx)
	case map[string]any:
		return RenderConfig(v, runCtx)
	case []any:
		rendered := make([]any, len(v))

		for i, item := range v {
			result, err := renderValue(item, runCtx)
			if err != nil {
				return nil, err
			}

			rendered[i] = result
		}

		return rendered, nil
	default:
		return value, nil
	}
}
