package models

import "time"

// RunStatus is the lifecycle state of a run. Transitions only move forward
// through the engine's state machine; terminal runs are archived, never
// deleted.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepStatusWaiting          StepStatus = "waiting"
	StepStatusReady            StepStatus = "ready"
	StepStatusRunning          StepStatus = "running"
	StepStatusSucceeded        StepStatus = "succeeded"
	StepStatusFailed           StepStatus = "failed"
	StepStatusSkipped          StepStatus = "skipped"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
)

// IsTerminal reports whether the step finished (succeeded, failed or
// skipped).
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// Satisfied reports whether the step counts as a satisfied dependency for
// downstream steps.
func (s StepStatus) Satisfied() bool {
	return s == StepStatusSucceeded || s == StepStatusSkipped
}

// ErrorKind classifies step failures for retry decisions.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient" // Retryable per policy
	ErrorKindPermanent ErrorKind = "permanent" // Fails the step immediately
	ErrorKindTimeout   ErrorKind = "timeout"   // Deadline exceeded, retryable per policy
	ErrorKindCancelled ErrorKind = "cancelled" // Run cancelled while executing
)

// Skip reasons recorded on steps that never execute.
const (
	SkipReasonUpstreamFailed = "upstream_failed"
	SkipReasonRunCancelled   = "run_cancelled"
)

// Failure reasons recorded on approval-gated steps.
const (
	FailReasonApprovalRejected = "approval_rejected"
	FailReasonApprovalTimeout  = "approval_timeout"
)

// StepError is the retained failure record of a step's last attempt.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Reason  string    `json:"reason,omitempty"`
}

// StepState is the execution record for one step within one run. Attempt is
// zero-based and never exceeds the effective retry policy's MaxAttempts.
// NextAttemptAt is set while a retry waits out its backoff; persisting it
// lets a restarted worker re-enqueue the retry at the right time.
type StepState struct {
	StepID        string     `json:"step_id"`
	Status        StepStatus `json:"status"`
	Attempt       int        `json:"attempt"`
	LastError     *StepError `json:"last_error,omitempty"`
	Output        any        `json:"output,omitempty"`
	SkipReason    string     `json:"skip_reason,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Run is one execution instance of a WorkflowDefinition version. The engine
// is the only writer of a run's step states; everyone else reads snapshots.
type Run struct {
	ID                string                `json:"id"`
	DefinitionID      string                `json:"definition_id"      validate:"required"`
	DefinitionVersion int                   `json:"definition_version" validate:"required,min=1"`
	Status            RunStatus             `json:"status"`
	StepStates        map[string]*StepState `json:"step_states"`
	Context           map[string]any        `json:"context,omitempty"`
	RequestedBy       string                `json:"requested_by,omitempty"`
	Deadline          *time.Time            `json:"deadline,omitempty"`
	SLABreachedAt     *time.Time            `json:"sla_breached_at,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	EndedAt           *time.Time            `json:"ended_at,omitempty"`
}

// NewRun seeds a run for a definition: every step starts Waiting with
// attempt zero, and the caller-supplied input becomes the initial context
// bag.
func NewRun(id string, def *WorkflowDefinition, input map[string]any, requestedBy string) *Run {
	states := make(map[string]*StepState, len(def.Steps))
	for _, step := range def.Steps {
		states[step.ID] = &StepState{StepID: step.ID, Status: StepStatusWaiting}
	}

	runContext := make(map[string]any, len(input))
	for k, v := range input {
		runContext[k] = v
	}

	run := &Run{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            RunStatusPending,
		StepStates:        states,
		Context:           runContext,
		RequestedBy:       requestedBy,
		CreatedAt:         time.Now().UTC(),
	}
	run.UpdatedAt = run.CreatedAt

	if def.SLASeconds > 0 {
		deadline := run.CreatedAt.Add(time.Duration(def.SLASeconds) * time.Second)
		run.Deadline = &deadline
	}

	return run
}

// StepState returns the state record for a step ID.
func (r *Run) StepState(stepID string) (*StepState, bool) {
	state, ok := r.StepStates[stepID]

	return state, ok
}

// StepOutputs collects the outputs of all succeeded steps, keyed by step ID.
func (r *Run) StepOutputs() map[string]any {
	outputs := make(map[string]any)

	for id, state := range r.StepStates {
		if state.Status == StepStatusSucceeded && state.Output != nil {
			outputs[id] = state.Output
		}
	}

	return outputs
}
