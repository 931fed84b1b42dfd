package models

import "time"

// TicketDecision is the recorded outcome of an approval ticket.
type TicketDecision string

const (
	DecisionPending  TicketDecision = "pending"
	DecisionApproved TicketDecision = "approved"
	DecisionRejected TicketDecision = "rejected"
)

// ApprovalTicket is the pending human-decision record gating a run's
// progress. One ticket exists per (run, approval step); it is archived, not
// deleted, once its decision is applied.
type ApprovalTicket struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"        validate:"required"`
	StepID      string         `json:"step_id"       validate:"required"`
	Decision    TicketDecision `json:"decision"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	ExpiredAt   *time.Time     `json:"expired_at,omitempty"`
}

// Resolved reports whether the ticket no longer accepts decisions.
func (t *ApprovalTicket) Resolved() bool {
	return t.Decision != DecisionPending || t.ExpiredAt != nil
}

// Overdue reports whether the ticket passed its expiry without a decision.
func (t *ApprovalTicket) Overdue(now time.Time) bool {
	return !t.Resolved() && t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}
