// Package agent provides AI agent gateway invocation for workflow steps.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
)

const (
	defaultTimeoutSeconds = 120

	// GatewayURLEnvVar configures the default agent gateway endpoint.
	GatewayURLEnvVar = "CIVION_AGENT_GATEWAY_URL"
)

var (
	// ErrAgentPromptRequired is returned when the config has no prompt.
	ErrAgentPromptRequired = errors.New("missing or invalid 'prompt' in configuration")

	// ErrAgentGatewayURLRequired is returned when no gateway URL is
	// configured and the environment provides none.
	ErrAgentGatewayURLRequired = errors.New("agent gateway URL not configured")

	// ErrAgentGatewayStatus is returned when the gateway answers with an
	// error status.
	ErrAgentGatewayStatus = errors.New("agent gateway returned error status")
)

// invocation is the request body sent to the agent gateway.
type invocation struct {
	Agent          string         `json:"agent,omitempty"`
	Prompt         string         `json:"prompt"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Run            map[string]any `json:"run"`
}

// Executor invokes a named agent through the gateway and returns its
// response. The gateway is expected to de-duplicate on the idempotency key.
type Executor struct {
	GatewayURL string
	Agent      string
	Prompt     string
	MaxTokens  int
	Timeout    time.Duration
}

// NewExecutor creates an agent executor from configuration. The gateway URL
// falls back to the CIVION_AGENT_GATEWAY_URL environment variable.
func NewExecutor(config map[string]any) (*Executor, error) {
	prompt, ok := config["prompt"].(string)
	if !ok || prompt == "" {
		return nil, ErrAgentPromptRequired
	}

	gatewayURL, _ := config["gateway_url"].(string)
	if gatewayURL == "" {
		gatewayURL = os.Getenv(GatewayURLEnvVar)
	}

	if gatewayURL == "" {
		return nil, ErrAgentGatewayURLRequired
	}

	agentName, _ := config["agent"].(string)

	maxTokens := 0
	if tokens, ok := config["max_tokens"].(float64); ok {
		maxTokens = int(tokens)
	}

	timeout := defaultTimeoutSeconds * time.Second

	if timeoutSec, ok := config["timeout_seconds"].(float64); ok && timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}

	return &Executor{
		GatewayURL: gatewayURL,
		Agent:      agentName,
		Prompt:     prompt,
		MaxTokens:  maxTokens,
		Timeout:    timeout,
	}, nil
}

// Execute posts the invocation to the gateway and returns the decoded
// response.
func (e *Executor) Execute(ctx context.Context, runCtx models.RunContext, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "agent_executor", "agent", e.Agent)
	logger.InfoContext(ctx, "Executing agent step")

	payload, err := json.Marshal(invocation{
		Agent:          e.Agent,
		Prompt:         e.Prompt,
		MaxTokens:      e.MaxTokens,
		IdempotencyKey: runCtx.IdempotencyKey,
		Run: map[string]any{
			"run_id":  runCtx.RunID,
			"step_id": runCtx.StepID,
			"attempt": runCtx.Attempt,
		},
	})
	if err != nil {
		return nil, protocol.NewPermanentError(fmt.Errorf("failed to marshal agent invocation: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		return nil, protocol.NewPermanentError(fmt.Errorf("failed to create gateway request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: e.Timeout}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("agent invocation interrupted: %w", ctxErr)
		}

		return nil, protocol.NewTransientError(fmt.Errorf("agent gateway call failed: %w", err))
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.NewTransientError(fmt.Errorf("failed to read gateway response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return nil, protocol.NewTransientError(fmt.Errorf("%w: %d", ErrAgentGatewayStatus, resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		return nil, protocol.NewPermanentError(fmt.Errorf("%w: %d", ErrAgentGatewayStatus, resp.StatusCode))
	}

	var response any

	err = json.Unmarshal(bodyBytes, &response)
	if err != nil {
		response = string(bodyBytes)
	}

	logger.InfoContext(ctx, "Agent step completed", "status_code", resp.StatusCode)

	return map[string]any{
		"agent":    e.Agent,
		"response": response,
	}, nil
}
