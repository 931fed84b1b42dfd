package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/models"
)

// ApplyDecision folds a resolved approval ticket into its run. Approval
// marks the gated step succeeded with the decision as output; rejection and
// expiry fail it with approval_rejected or approval_timeout. Applying the
// same resolution twice is a no-op: once the step left awaiting_approval the
// ticket has nothing more to say.
func (e *Engine) ApplyDecision(ctx context.Context, ticket *models.ApprovalTicket) ([]Dispatch, error) {
	logger := e.logger.With("run_id", ticket.RunID, "step_id", ticket.StepID, "ticket_id", ticket.ID)

	unlock := e.locks.lock(ticket.RunID)
	defer unlock()

	run, def, err := e.loadRun(ctx, ticket.RunID)
	if err != nil {
		return nil, err
	}

	state, ok := run.StepState(ticket.StepID)
	if !ok {
		return nil, fmt.Errorf("step %s not part of run %s", ticket.StepID, ticket.RunID)
	}

	if state.Status != models.StepStatusAwaitingApproval {
		logger.InfoContext(ctx, "Step no longer awaiting approval, ignoring decision", "status", state.Status)

		return nil, nil
	}

	now := time.Now().UTC()
	from := state.Status

	var stepEvent eventbus.Event

	switch {
	case ticket.Decision == models.DecisionApproved:
		state.Status = models.StepStatusSucceeded
		state.Output = decisionOutput(ticket)
		state.LastError = nil
		state.FinishedAt = &now

		stepEvent = events.StepSucceeded{
			BaseEvent: e.newBase(events.StepSucceededEvent, run.ID),
			StepID:    state.StepID,
			Attempt:   state.Attempt,
		}
	case ticket.Decision == models.DecisionRejected:
		state.Status = models.StepStatusFailed
		state.LastError = &models.StepError{
			Kind:    models.ErrorKindPermanent,
			Message: "approval rejected",
			Reason:  models.FailReasonApprovalRejected,
		}
		state.FinishedAt = &now

		stepEvent = events.StepFailed{
			BaseEvent: e.newBase(events.StepFailedEvent, run.ID),
			StepID:    state.StepID,
			Attempt:   state.Attempt,
			Error:     state.LastError.Message,
			ErrorKind: state.LastError.Kind,
		}
	case ticket.ExpiredAt != nil:
		state.Status = models.StepStatusFailed
		state.LastError = &models.StepError{
			Kind:    models.ErrorKindTimeout,
			Message: "approval ticket expired",
			Reason:  models.FailReasonApprovalTimeout,
		}
		state.FinishedAt = &now

		stepEvent = events.StepFailed{
			BaseEvent: e.newBase(events.StepFailedEvent, run.ID),
			StepID:    state.StepID,
			Attempt:   state.Attempt,
			Error:     state.LastError.Message,
			ErrorKind: state.LastError.Kind,
		}
	default:
		return nil, fmt.Errorf("ticket %s is still pending", ticket.ID)
	}

	err = e.appendStepTransition(ctx, run.ID, state, from)
	if err != nil {
		return nil, err
	}

	previous := run.Status

	dispatches, runEvents, err := e.advanceRun(ctx, def, run, now)
	if err != nil {
		return nil, err
	}

	err = e.saveRun(ctx, run)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, run.ID, stepEvent)

	if previous == models.RunStatusSuspended && run.Status == models.RunStatusRunning {
		resumed := events.RunResumed{
			BaseEvent: e.newBase(events.RunResumedEvent, run.ID),
			StepID:    state.StepID,
			Decision:  ticket.Decision,
		}
		e.publish(ctx, run.ID, resumed)
	}

	e.publishAll(ctx, run.ID, runEvents)

	logger.InfoContext(ctx, "Approval decision applied",
		"decision", ticket.Decision, "step_status", state.Status, "run_status", run.Status)

	return dispatches, nil
}

// decisionOutput is the output recorded on an approved step.
func decisionOutput(ticket *models.ApprovalTicket) map[string]any {
	output := map[string]any{
		"decision":   string(models.DecisionApproved),
		"decided_by": ticket.DecidedBy,
	}

	if ticket.Comment != "" {
		output["comment"] = ticket.Comment
	}

	return output
}
