// Package httpcall provides outbound HTTP request execution for workflow
// steps.
package httpcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
)

const (
	defaultTimeoutSeconds = 30

	// IdempotencyKeyHeader carries the run's stable side-effect key so the
	// downstream system can de-duplicate retried calls.
	IdempotencyKeyHeader = "Idempotency-Key"
)

var (
	// ErrHTTPURLRequired is returned when the config has no URL.
	ErrHTTPURLRequired = errors.New("missing or invalid 'url' in configuration")

	// ErrHTTPStatus is returned when the response status indicates failure.
	ErrHTTPStatus = errors.New("http request returned error status")
)

// Executor performs a single HTTP request. Retries are owned by the run
// engine; the executor only classifies the failure so the retry policy can
// decide.
type Executor struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// NewExecutor creates an HTTP executor from configuration.
func NewExecutor(config map[string]any) (*Executor, error) {
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, ErrHTTPURLRequired
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	body, _ := config["body"].(string)

	headers := make(map[string]string)

	if headersConfig, exists := config["headers"]; exists {
		if headersMap, ok := headersConfig.(map[string]any); ok {
			for k, v := range headersMap {
				if strVal, ok := v.(string); ok {
					headers[k] = strVal
				}
			}
		}
	}

	timeout := defaultTimeoutSeconds * time.Second

	if timeoutSec, ok := config["timeout_seconds"].(float64); ok && timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}

	return &Executor{
		URL:     url,
		Method:  strings.ToUpper(method),
		Headers: headers,
		Body:    body,
		Timeout: timeout,
	}, nil
}

// Execute performs the HTTP request and returns the decoded response.
func (e *Executor) Execute(ctx context.Context, runCtx models.RunContext, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "httpcall_executor")
	logger.InfoContext(ctx, "Executing http step", "method", e.Method, "url", e.URL)

	req, err := http.NewRequestWithContext(ctx, e.Method, e.URL, strings.NewReader(e.Body))
	if err != nil {
		return nil, protocol.NewPermanentError(fmt.Errorf("failed to create http request: %w", err))
	}

	for key, value := range e.Headers {
		req.Header.Set(key, value)
	}

	if req.Header.Get(IdempotencyKeyHeader) == "" {
		req.Header.Set(IdempotencyKeyHeader, runCtx.IdempotencyKey)
	}

	client := &http.Client{Timeout: e.Timeout}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("http request interrupted: %w", ctxErr)
		}

		return nil, protocol.NewTransientError(fmt.Errorf("http request failed: %w", err))
	}

	return e.processResponse(ctx, resp, logger)
}

func (e *Executor) processResponse(ctx context.Context, resp *http.Response, logger *slog.Logger) (any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.NewTransientError(fmt.Errorf("failed to read response body: %w", err))
	}

	var body any

	err = json.Unmarshal(bodyBytes, &body)
	if err != nil {
		body = string(bodyBytes)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     flattenHeaders(resp.Header),
	}

	logger.InfoContext(ctx, "HTTP step completed", "status_code", resp.StatusCode, "body_bytes", len(bodyBytes))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return result, protocol.NewTransientError(fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode))
	case resp.StatusCode >= 400:
		return result, protocol.NewPermanentError(fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode))
	default:
		return result, nil
	}
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key := range header {
		flat[key] = header.Get(key)
	}

	return flat
}
