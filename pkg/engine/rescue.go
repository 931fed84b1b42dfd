package engine

import (
	"context"
	"time"

	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/models"
)

// RescueRun returns steps stranded by a crashed worker to the ready state. A
// step counts as stranded when its status is running but no executor in this
// process holds it. The attempt number is kept, so the re-execution reuses
// the original idempotency key. The returned dispatches also cover retries
// whose delay-queue entry died with the old process.
func (e *Engine) RescueRun(ctx context.Context, runID string) ([]Dispatch, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, def, err := e.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status != models.RunStatusRunning && run.Status != models.RunStatusSuspended {
		return nil, nil
	}

	now := time.Now().UTC()
	rescued := 0

	for _, step := range def.Steps {
		state, ok := run.StepState(step.ID)
		if !ok || state.Status != models.StepStatusRunning {
			continue
		}

		if e.inflight.has(runID, step.ID) {
			continue
		}

		from := state.Status
		state.Status = models.StepStatusReady
		state.NextAttemptAt = nil

		entry := ledger.NewStepTransition(runID, state, from)
		entry.Detail[ledger.DetailRescued] = true

		err = e.audit.Append(ctx, entry)
		if err != nil {
			return nil, err
		}

		e.logger.WarnContext(ctx, "Rescued stale running step",
			"run_id", runID, "step_id", step.ID, "attempt", state.Attempt)

		rescued++
	}

	if rescued > 0 {
		err = e.saveRun(ctx, run)
		if err != nil {
			return nil, err
		}
	}

	if run.Status != models.RunStatusRunning {
		return nil, nil
	}

	return readyDispatches(def, run, now), nil
}

// MarkSLABreached stamps the breach time on a run past its deadline and
// emits the advisory notification. Execution is not interrupted; a breached
// run keeps going. Re-invocations after the stamp are no-ops.
func (e *Engine) MarkSLABreached(ctx context.Context, runID string) error {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, _, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if run.Status.IsTerminal() || run.Deadline == nil || run.SLABreachedAt != nil || now.Before(*run.Deadline) {
		return nil
	}

	run.SLABreachedAt = &now

	entry := ledger.NewEntry(runID, ledger.EntryRunSLABreach)
	entry.Detail = map[string]any{
		ledger.DetailDeadline:   run.Deadline.Format(time.RFC3339Nano),
		ledger.DetailBreachedAt: now.Format(time.RFC3339Nano),
	}

	err = e.audit.Append(ctx, entry)
	if err != nil {
		return err
	}

	err = e.saveRun(ctx, run)
	if err != nil {
		return err
	}

	breached := events.RunSLABreached{
		BaseEvent:  e.newBase(events.RunSLABreachedEvent, runID),
		Deadline:   *run.Deadline,
		BreachedAt: now,
	}
	e.publish(ctx, runID, breached)

	e.logger.WarnContext(ctx, "Run SLA breached",
		"run_id", runID, "deadline", run.Deadline, "breached_at", now)

	return nil
}
