package engine

import (
	"context"
	"time"

	"github.com/civion/civion/pkg/dag"
	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// advanceRun moves a run forward after a step changed state: it skips steps
// whose upstream failed, marks newly eligible steps ready, recomputes the
// run-level status and collects the notification events the caller should
// publish once the run is saved. Dispatches are returned only while the run
// keeps running; a suspended or terminal run dispatches nothing.
func (e *Engine) advanceRun(ctx context.Context, def *models.WorkflowDefinition, run *models.Run, now time.Time) ([]Dispatch, []eventbus.Event, error) {
	for {
		skippable := dag.Skippable(def, run.StepStates)
		if len(skippable) == 0 {
			break
		}

		for _, stepID := range skippable {
			state := run.StepStates[stepID]
			from := state.Status
			state.Status = models.StepStatusSkipped
			state.SkipReason = models.SkipReasonUpstreamFailed
			state.NextAttemptAt = nil
			state.FinishedAt = &now

			err := e.appendStepTransition(ctx, run.ID, state, from)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	for _, stepID := range dag.Ready(def, run.StepStates) {
		state := run.StepStates[stepID]
		from := state.Status
		state.Status = models.StepStatusReady

		err := e.appendStepTransition(ctx, run.ID, state, from)
		if err != nil {
			return nil, nil, err
		}
	}

	batch, err := e.applyOutcome(ctx, def, run, now)
	if err != nil {
		return nil, nil, err
	}

	if run.Status != models.RunStatusRunning {
		return nil, batch, nil
	}

	return readyDispatches(def, run, now), batch, nil
}

// applyOutcome folds the step states into the run status and prepares the
// matching run-level notification.
func (e *Engine) applyOutcome(ctx context.Context, def *models.WorkflowDefinition, run *models.Run, now time.Time) ([]eventbus.Event, error) {
	outcome := dag.Outcome(run.StepStates)
	if outcome == run.Status {
		return nil, nil
	}

	previous := run.Status
	run.Status = outcome

	err := e.appendRunTransition(ctx, run.ID, previous, outcome)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case models.RunStatusCompleted:
		run.EndedAt = &now

		return []eventbus.Event{events.RunCompleted{
			BaseEvent: e.newBase(events.RunCompletedEvent, run.ID),
			Duration:  runDuration(run, now),
			Outputs:   run.StepOutputs(),
		}}, nil
	case models.RunStatusFailed:
		run.EndedAt = &now

		stepID, message := firstFailure(def, run)

		return []eventbus.Event{events.RunFailed{
			BaseEvent: e.newBase(events.RunFailedEvent, run.ID),
			StepID:    stepID,
			Error:     message,
			Duration:  runDuration(run, now),
		}}, nil
	case models.RunStatusSuspended:
		stepID := firstAwaiting(def, run)
		suspended := events.RunSuspended{
			BaseEvent: e.newBase(events.RunSuspendedEvent, run.ID),
			StepID:    stepID,
		}

		ticket, err := e.persistence.Tickets().GetByRunAndStep(ctx, run.ID, stepID)
		if err == nil {
			suspended.TicketID = ticket.ID
		} else if !persistence.IsTicketNotFound(err) {
			e.logger.ErrorContext(ctx, "Failed to resolve suspension ticket",
				"run_id", run.ID, "step_id", stepID, "error", err)
		}

		return []eventbus.Event{suspended}, nil
	default:
		return nil, nil
	}
}

// readyDispatches lists every step currently in ready status, with the
// remaining backoff for scheduled retries. Re-emitting a dispatch for an
// already queued step is harmless: the first execution moves the step out of
// ready and later dispatches find nothing to do.
func readyDispatches(def *models.WorkflowDefinition, run *models.Run, now time.Time) []Dispatch {
	dispatches := make([]Dispatch, 0)

	for _, step := range def.Steps {
		state, ok := run.StepState(step.ID)
		if !ok || state.Status != models.StepStatusReady {
			continue
		}

		var delay time.Duration
		if state.NextAttemptAt != nil && state.NextAttemptAt.After(now) {
			delay = state.NextAttemptAt.Sub(now)
		}

		dispatches = append(dispatches, Dispatch{
			RunID:   run.ID,
			StepID:  step.ID,
			Attempt: state.Attempt,
			Delay:   delay,
		})
	}

	return dispatches
}

func runDuration(run *models.Run, now time.Time) time.Duration {
	start := run.CreatedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}

	return now.Sub(start)
}

func firstFailure(def *models.WorkflowDefinition, run *models.Run) (string, string) {
	for _, step := range def.Steps {
		state, ok := run.StepState(step.ID)
		if !ok || state.Status != models.StepStatusFailed {
			continue
		}

		if state.LastError != nil {
			return step.ID, state.LastError.Message
		}

		return step.ID, ""
	}

	return "", ""
}

func firstAwaiting(def *models.WorkflowDefinition, run *models.Run) string {
	for _, step := range def.Steps {
		state, ok := run.StepState(step.ID)
		if ok && state.Status == models.StepStatusAwaitingApproval {
			return step.ID
		}
	}

	return ""
}
