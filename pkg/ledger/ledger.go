// Package ledger provides the append-only audit trail for runs. Every run,
// step and ticket transition is recorded as an immutable entry before the
// mutated run state is persisted (write-ahead): a transition whose entry
// cannot be appended is not committed.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/civion/civion/pkg/models"
	"github.com/google/uuid"
)

// Entry types recorded in the ledger.
const (
	EntryRunCreated    = "run.created"
	EntryRunStatus     = "run.status"
	EntryStepStatus    = "step.status"
	EntryTicketCreated = "ticket.created"
	EntryTicketDecided = "ticket.decided"
	EntryTicketExpired = "ticket.expired"
	EntryRunSLABreach  = "run.sla.breached"
)

// Detail keys used inside entries.
const (
	DetailOutput     = "output"
	DetailError      = "error"
	DetailErrorKind  = "error_kind"
	DetailReason     = "reason"
	DetailDecision   = "decision"
	DetailComment    = "comment"
	DetailConflict   = "conflict"
	DetailRescued    = "rescued"
	DetailDeadline   = "deadline"
	DetailBreachedAt = "breached_at"
	DetailDefinition = "definition_id"
	DetailVersion    = "definition_version"
)

// ErrEmptyRunID is returned when an entry carries no run ID.
var ErrEmptyRunID = errors.New("ledger entry requires a run id")

// Entry is one immutable audit record. Seq is assigned by the backend on
// append and is strictly increasing per run.
type Entry struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	StepID     string         `json:"step_id,omitempty"`
	TicketID   string         `json:"ticket_id,omitempty"`
	From       string         `json:"from,omitempty"`
	To         string         `json:"to,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Ledger is the audit trail client. Append assigns ID, Seq and RecordedAt;
// Query returns a run's entries ordered by Seq.
type Ledger interface {
	Append(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, runID string) ([]*Entry, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// NewEntry stamps identity and time onto an entry skeleton.
func NewEntry(runID, entryType string) *Entry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return &Entry{
		ID:         id.String(),
		RunID:      runID,
		Type:       entryType,
		RecordedAt: time.Now().UTC(),
	}
}

// NewRunTransition records a run-level status change.
func NewRunTransition(runID string, from, to models.RunStatus) *Entry {
	entry := NewEntry(runID, EntryRunStatus)
	entry.From = string(from)
	entry.To = string(to)

	return entry
}

// NewStepTransition records a step-level status change with the state
// needed to reconstruct the step on replay.
func NewStepTransition(runID string, state *models.StepState, from models.StepStatus) *Entry {
	entry := NewEntry(runID, EntryStepStatus)
	entry.StepID = state.StepID
	entry.From = string(from)
	entry.To = string(state.Status)
	entry.Attempt = state.Attempt
	entry.Detail = map[string]any{}

	if state.Output != nil {
		entry.Detail[DetailOutput] = state.Output
	}

	if state.LastError != nil {
		entry.Detail[DetailError] = state.LastError.Message
		entry.Detail[DetailErrorKind] = string(state.LastError.Kind)

		if state.LastError.Reason != "" {
			entry.Detail[DetailReason] = state.LastError.Reason
		}
	}

	if state.SkipReason != "" {
		entry.Detail[DetailReason] = state.SkipReason
	}

	return entry
}
