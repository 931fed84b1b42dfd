// Package events defines the command and notification events of the run topic.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/civion/civion/pkg/models"
)

type EventType string

// Topic carries every run-related event. Messages are keyed by run ID so one
// run's events stay ordered within a partition.
const Topic = "civion.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Commands consumed by workers.
	RunRequestedEvent       EventType = "run.requested"
	RunCancelRequestedEvent EventType = "run.cancel.requested"
	TicketDecidedEvent      EventType = "ticket.decided"

	// Run lifecycle notifications.
	RunStartedEvent     EventType = "run.started"
	RunSuspendedEvent   EventType = "run.suspended"
	RunResumedEvent     EventType = "run.resumed"
	RunCompletedEvent   EventType = "run.completed"
	RunFailedEvent      EventType = "run.failed"
	RunCancelledEvent   EventType = "run.cancelled"
	RunSLABreachedEvent EventType = "run.sla.breached"

	// Step-level notifications.
	StepSucceededEvent      EventType = "step.succeeded"
	StepFailedEvent         EventType = "step.failed"
	StepRetryScheduledEvent EventType = "step.retry.scheduled"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunRequested asks a worker to start a persisted pending run.
type RunRequested struct {
	BaseEvent

	DefinitionID      string `json:"definition_id"`
	DefinitionVersion int    `json:"definition_version"`
	RequestedBy       string `json:"requested_by,omitempty"`
}

func (r RunRequested) GetType() EventType {
	return RunRequestedEvent
}

// RunCancelRequested asks a worker to cancel a run.
type RunCancelRequested struct {
	BaseEvent

	RequestedBy string `json:"requested_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (r RunCancelRequested) GetType() EventType {
	return RunCancelRequestedEvent
}

// TicketDecided tells workers an approval ticket was resolved so the
// suspended run can move again.
type TicketDecided struct {
	BaseEvent

	TicketID  string                `json:"ticket_id"`
	StepID    string                `json:"step_id"`
	Decision  models.TicketDecision `json:"decision"`
	DecidedBy string                `json:"decided_by,omitempty"`
	Comment   string                `json:"comment,omitempty"`
}

func (t TicketDecided) GetType() EventType {
	return TicketDecidedEvent
}

type RunStarted struct {
	BaseEvent

	DefinitionID      string `json:"definition_id"`
	DefinitionVersion int    `json:"definition_version"`
}

func (r RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunSuspended struct {
	BaseEvent

	StepID   string `json:"step_id"`
	TicketID string `json:"ticket_id"`
}

func (r RunSuspended) GetType() EventType {
	return RunSuspendedEvent
}

type RunResumed struct {
	BaseEvent

	StepID   string                `json:"step_id"`
	Decision models.TicketDecision `json:"decision"`
}

func (r RunResumed) GetType() EventType {
	return RunResumedEvent
}

type RunCompleted struct {
	BaseEvent

	Duration time.Duration  `json:"duration"`
	Outputs  map[string]any `json:"outputs,omitempty"`
}

func (r RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	StepID   string        `json:"step_id,omitempty"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (r RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunCancelled struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (r RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

// RunSLABreached is advisory: the run keeps executing after its deadline
// passes, this event just surfaces the breach.
type RunSLABreached struct {
	BaseEvent

	Deadline   time.Time `json:"deadline"`
	BreachedAt time.Time `json:"breached_at"`
}

func (r RunSLABreached) GetType() EventType {
	return RunSLABreachedEvent
}

type StepSucceeded struct {
	BaseEvent

	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
}

func (s StepSucceeded) GetType() EventType {
	return StepSucceededEvent
}

type StepFailed struct {
	BaseEvent

	StepID    string           `json:"step_id"`
	Attempt   int              `json:"attempt"`
	Error     string           `json:"error"`
	ErrorKind models.ErrorKind `json:"error_kind"`
}

func (s StepFailed) GetType() EventType {
	return StepFailedEvent
}

type StepRetryScheduled struct {
	BaseEvent

	StepID        string    `json:"step_id"`
	Attempt       int       `json:"attempt"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

func (s StepRetryScheduled) GetType() EventType {
	return StepRetryScheduledEvent
}

func NewBaseEvent(eventType EventType, runID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Metadata:  make(map[string]any),
	}
}
