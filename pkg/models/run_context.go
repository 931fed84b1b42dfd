package models

import "fmt"

// RunContext is the read view an executor receives for one step attempt.
type RunContext struct {
	RunID             string         `json:"run_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	StepID            string         `json:"step_id"`
	Attempt           int            `json:"attempt"`
	IdempotencyKey    string         `json:"idempotency_key"`
	Context           map[string]any `json:"context,omitempty"`
	StepOutputs       map[string]any `json:"step_outputs,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// IdempotencyKey derives the stable side-effect key for a step. It is
// computed from attempt zero and reused verbatim on every retry so
// downstream systems can de-duplicate; the orchestrator never fabricates a
// fresh key per attempt.
func IdempotencyKey(runID, stepID string) string {
	return fmt.Sprintf("%s:%s:0", runID, stepID)
}

// NewRunContext builds the executor view for a step attempt of a run.
func NewRunContext(run *Run, stepID string, attempt int) RunContext {
	return RunContext{
		RunID:             run.ID,
		DefinitionID:      run.DefinitionID,
		DefinitionVersion: run.DefinitionVersion,
		StepID:            stepID,
		Attempt:           attempt,
		IdempotencyKey:    IdempotencyKey(run.ID, stepID),
		Context:           run.Context,
		StepOutputs:       run.StepOutputs(),
		Metadata:          map[string]any{},
	}
}
