package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/protocol"
	"github.com/civion/civion/pkg/template"
)

// attempt is one claimed step execution: the run lock was held while the
// step moved to running, and is released while the executor runs.
type attempt struct {
	runID    string
	stepID   string
	def      *models.WorkflowDefinition
	spec     *models.StepSpec
	runCtx   models.RunContext
	executor protocol.StepExecutor
	policy   models.RetryPolicy
	buildErr error
}

// ExecuteStep runs one attempt of a dispatched step. The run lock is held
// only around the two state transitions, not during execution, so parallel
// branches of one run execute concurrently. A dispatch that lost its claim
// (step no longer ready, run no longer running) is dropped silently; the
// step status check under the lock is what makes dispatch at-most-once.
func (e *Engine) ExecuteStep(ctx context.Context, runID, stepID string) ([]Dispatch, error) {
	logger := e.logger.With("run_id", runID, "step_id", stepID)

	claimed, requeue, err := e.beginAttempt(ctx, runID, stepID, logger)
	if err != nil {
		return nil, err
	}

	if claimed == nil {
		return requeue, nil
	}

	output, execErr := e.runExecutor(ctx, claimed, logger)

	return e.finishAttempt(ctx, claimed, output, execErr, logger)
}

// beginAttempt claims the step under the run lock: it re-checks eligibility
// and moves ready -> running. A nil attempt with no error means the dispatch
// is stale; a non-empty requeue means the retry backoff has not elapsed yet.
func (e *Engine) beginAttempt(ctx context.Context, runID, stepID string, logger *slog.Logger) (*attempt, []Dispatch, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, def, err := e.loadRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	if run.Status != models.RunStatusRunning {
		logger.InfoContext(ctx, "Run not running, dropping dispatch", "status", run.Status)

		return nil, nil, nil
	}

	state, ok := run.StepState(stepID)
	if !ok {
		return nil, nil, fmt.Errorf("step %s not part of run %s", stepID, runID)
	}

	if state.Status != models.StepStatusReady {
		logger.InfoContext(ctx, "Step not ready, dropping dispatch", "status", state.Status)

		return nil, nil, nil
	}

	now := time.Now().UTC()

	if state.NextAttemptAt != nil && state.NextAttemptAt.After(now) {
		return nil, []Dispatch{{
			RunID:   runID,
			StepID:  stepID,
			Attempt: state.Attempt,
			Delay:   state.NextAttemptAt.Sub(now),
		}}, nil
	}

	from := state.Status
	state.Status = models.StepStatusRunning
	state.NextAttemptAt = nil
	state.FinishedAt = nil

	if state.StartedAt == nil {
		state.StartedAt = &now
	}

	err = e.appendStepTransition(ctx, runID, state, from)
	if err != nil {
		return nil, nil, err
	}

	err = e.saveRun(ctx, run)
	if err != nil {
		return nil, nil, err
	}

	spec, ok := def.Step(stepID)
	if !ok {
		return nil, nil, fmt.Errorf("step %s not declared in definition %s v%d", stepID, def.ID, def.Version)
	}

	claimed := &attempt{
		runID:  runID,
		stepID: stepID,
		def:    def,
		spec:   spec,
		runCtx: models.NewRunContext(run, stepID, state.Attempt),
		policy: def.RetryPolicyFor(stepID),
	}

	rendered, err := template.RenderConfig(spec.Config, &claimed.runCtx)
	if err != nil {
		claimed.buildErr = fmt.Errorf("failed to render step config: %w", err)

		return claimed, nil, nil
	}

	executor, err := e.registry.CreateExecutor(string(spec.Kind), rendered)
	if err != nil {
		claimed.buildErr = fmt.Errorf("failed to create %s executor: %w", spec.Kind, err)

		return claimed, nil, nil
	}

	claimed.executor = executor

	return claimed, nil, nil
}

// runExecutor executes the attempt outside the run lock, under the step's
// timeout and with the cancel function registered so Cancel can interrupt
// it. A deadline or cancellation observed on the step context overrides the
// executor's own error classification.
func (e *Engine) runExecutor(ctx context.Context, claimed *attempt, logger *slog.Logger) (any, error) {
	if claimed.buildErr != nil {
		return nil, protocol.NewPermanentError(claimed.buildErr)
	}

	var (
		stepCtx context.Context
		cancel  context.CancelFunc
	)

	timeout := claimed.spec.Timeout()
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}

	defer cancel()

	e.inflight.add(claimed.runID, claimed.stepID, cancel)
	defer e.inflight.remove(claimed.runID, claimed.stepID)

	logger.InfoContext(ctx, "Executing step",
		"kind", claimed.spec.Kind, "attempt", claimed.runCtx.Attempt, "timeout", timeout)

	output, err := claimed.executor.Execute(stepCtx, claimed.runCtx, logger)
	if err != nil && !protocol.IsSuspend(err) {
		switch stepCtx.Err() {
		case context.DeadlineExceeded:
			err = protocol.NewTimeoutError(err)
		case context.Canceled:
			err = protocol.NewCancelledError(err)
		}
	}

	return output, err
}

// finishAttempt applies the execution result under the run lock. The run is
// reloaded first: cancellation or a rescue may have finalized the step while
// the executor ran, in which case the result is discarded.
func (e *Engine) finishAttempt(ctx context.Context, claimed *attempt, output any, execErr error, logger *slog.Logger) ([]Dispatch, error) {
	unlock := e.locks.lock(claimed.runID)
	defer unlock()

	run, err := e.persistence.Runs().GetByID(ctx, claimed.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload run: %w", err)
	}

	state, ok := run.StepState(claimed.stepID)
	if !ok {
		return nil, fmt.Errorf("step %s not part of run %s", claimed.stepID, claimed.runID)
	}

	if state.Status != models.StepStatusRunning {
		logger.InfoContext(ctx, "Discarding stale step result", "status", state.Status)

		return nil, nil
	}

	now := time.Now().UTC()

	switch {
	case execErr == nil:
		return e.finishSuccess(ctx, claimed, run, state, output, now, logger)
	case protocol.IsSuspend(execErr):
		return e.finishSuspend(ctx, claimed, run, state, now, logger)
	default:
		return e.finishFailure(ctx, claimed, run, state, execErr, now, logger)
	}
}

func (e *Engine) finishSuccess(ctx context.Context, claimed *attempt, run *models.Run, state *models.StepState, output any, now time.Time, logger *slog.Logger) ([]Dispatch, error) {
	from := state.Status
	state.Status = models.StepStatusSucceeded
	state.Output = output
	state.LastError = nil
	state.FinishedAt = &now

	err := e.appendStepTransition(ctx, run.ID, state, from)
	if err != nil {
		return nil, err
	}

	dispatches, runEvents, err := e.advanceRun(ctx, claimed.def, run, now)
	if err != nil {
		return nil, err
	}

	err = e.saveRun(ctx, run)
	if err != nil {
		return nil, err
	}

	succeeded := events.StepSucceeded{
		BaseEvent: e.newBase(events.StepSucceededEvent, run.ID),
		StepID:    state.StepID,
		Attempt:   state.Attempt,
	}
	e.publish(ctx, run.ID, succeeded)
	e.publishAll(ctx, run.ID, runEvents)

	logger.InfoContext(ctx, "Step succeeded", "attempt", state.Attempt, "run_status", run.Status)

	return dispatches, nil
}

func (e *Engine) finishSuspend(ctx context.Context, claimed *attempt, run *models.Run, state *models.StepState, now time.Time, logger *slog.Logger) ([]Dispatch, error) {
	from := state.Status
	state.Status = models.StepStatusAwaitingApproval

	err := e.appendStepTransition(ctx, run.ID, state, from)
	if err != nil {
		return nil, err
	}

	dispatches, runEvents, err := e.advanceRun(ctx, claimed.def, run, now)
	if err != nil {
		return nil, err
	}

	err = e.saveRun(ctx, run)
	if err != nil {
		return nil, err
	}

	e.publishAll(ctx, run.ID, runEvents)

	logger.InfoContext(ctx, "Step awaiting approval, run suspended")

	return dispatches, nil
}

func (e *Engine) finishFailure(ctx context.Context, claimed *attempt, run *models.Run, state *models.StepState, execErr error, now time.Time, logger *slog.Logger) ([]Dispatch, error) {
	kind := protocol.Classify(execErr)
	message := failureMessage(execErr)

	if claimed.policy.Retryable(kind) && state.Attempt+1 < claimed.policy.MaxAttempts {
		delay := claimed.policy.Delay(state.Attempt)
		next := now.Add(delay)

		from := state.Status
		state.Status = models.StepStatusReady
		state.Attempt++
		state.LastError = &models.StepError{Kind: kind, Message: message}
		state.NextAttemptAt = &next

		err := e.appendStepTransition(ctx, run.ID, state, from)
		if err != nil {
			return nil, err
		}

		err = e.saveRun(ctx, run)
		if err != nil {
			return nil, err
		}

		retry := events.StepRetryScheduled{
			BaseEvent:     e.newBase(events.StepRetryScheduledEvent, run.ID),
			StepID:        state.StepID,
			Attempt:       state.Attempt,
			NextAttemptAt: next,
		}
		e.publish(ctx, run.ID, retry)

		logger.InfoContext(ctx, "Step retry scheduled",
			"attempt", state.Attempt, "delay", delay, "error_kind", kind, "error", message)

		return []Dispatch{{RunID: run.ID, StepID: state.StepID, Attempt: state.Attempt, Delay: delay}}, nil
	}

	from := state.Status
	state.Status = models.StepStatusFailed
	state.LastError = &models.StepError{Kind: kind, Message: message}
	state.NextAttemptAt = nil
	state.FinishedAt = &now

	err := e.appendStepTransition(ctx, run.ID, state, from)
	if err != nil {
		return nil, err
	}

	dispatches, runEvents, err := e.advanceRun(ctx, claimed.def, run, now)
	if err != nil {
		return nil, err
	}

	err = e.saveRun(ctx, run)
	if err != nil {
		return nil, err
	}

	failed := events.StepFailed{
		BaseEvent: e.newBase(events.StepFailedEvent, run.ID),
		StepID:    state.StepID,
		Attempt:   state.Attempt,
		Error:     message,
		ErrorKind: kind,
	}
	e.publish(ctx, run.ID, failed)
	e.publishAll(ctx, run.ID, runEvents)

	logger.ErrorContext(ctx, "Step failed",
		"attempt", state.Attempt, "error_kind", kind, "error", message, "run_status", run.Status)

	return dispatches, nil
}

// failureMessage unwraps the classification envelope so the recorded message
// is the executor's own error text.
func failureMessage(execErr error) string {
	var executionErr *protocol.ExecutionError
	if errors.As(execErr, &executionErr) && executionErr.Err != nil {
		return executionErr.Err.Error()
	}

	return execErr.Error()
}
