// Package engine drives run execution: it owns every run and step state
// transition, records each one in the audit ledger before saving the run
// (write-ahead) and hands ready step attempts to the scheduler as
// dispatches. The engine is the single writer of a run's state; concurrent
// operations on one run serialize on a per-run lock.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/registry"
)

// Dispatch is one step attempt the scheduler should enqueue. Delay is the
// remaining backoff before the attempt becomes eligible; zero means now.
type Dispatch struct {
	RunID   string
	StepID  string
	Attempt int
	Delay   time.Duration
}

// Engine executes runs against their immutable definition version.
type Engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	audit       ledger.Ledger
	registry    *registry.Registry
	bus         eventbus.EventPublisher
	tickets     *approvals.Manager
	workerID    string

	locks    *runLocks
	inflight *inflightSet
}

// NewEngine creates a run engine. The worker ID is stamped on every event
// the engine publishes.
func NewEngine(
	logger *slog.Logger,
	persist persistence.Persistence,
	audit ledger.Ledger,
	reg *registry.Registry,
	bus eventbus.EventPublisher,
	tickets *approvals.Manager,
	workerID string,
) *Engine {
	return &Engine{
		logger:      logger.With("module", "engine", "worker_id", workerID),
		persistence: persist,
		audit:       audit,
		registry:    reg,
		bus:         bus,
		tickets:     tickets,
		workerID:    workerID,
		locks:       newRunLocks(),
		inflight:    newInflightSet(),
	}
}

// StartRun moves a pending run to running, marks its root steps ready and
// returns their dispatches. Calling it on a run that already left pending is
// a no-op, so a replayed run.requested event cannot restart a run.
func (e *Engine) StartRun(ctx context.Context, runID string) ([]Dispatch, error) {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, def, err := e.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status != models.RunStatusPending {
		e.logger.InfoContext(ctx, "Run already started, ignoring", "run_id", runID, "status", run.Status)

		return nil, nil
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now

	err = e.appendRunTransition(ctx, runID, models.RunStatusPending, models.RunStatusRunning)
	if err != nil {
		return nil, err
	}

	dispatches, runEvents, err := e.advanceRun(ctx, def, run, now)
	if err != nil {
		return nil, err
	}

	err = e.saveRun(ctx, run)
	if err != nil {
		return nil, err
	}

	started := events.RunStarted{
		BaseEvent:         e.newBase(events.RunStartedEvent, runID),
		DefinitionID:      run.DefinitionID,
		DefinitionVersion: run.DefinitionVersion,
	}
	e.publish(ctx, runID, started)
	e.publishAll(ctx, runID, runEvents)

	e.logger.InfoContext(ctx, "Run started",
		"run_id", runID, "definition_id", run.DefinitionID, "ready_steps", len(dispatches))

	return dispatches, nil
}

// Cancel terminates a run cooperatively: in-flight executor contexts are
// cancelled, steps that never started are skipped, non-terminal steps fail
// with the cancelled kind and pending tickets are archived. Succeeded steps
// keep their output; nothing is compensated. Cancelling a terminal run is a
// no-op.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	unlock := e.locks.lock(runID)
	defer unlock()

	run, def, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		e.logger.InfoContext(ctx, "Run already terminal, ignoring cancel", "run_id", runID, "status", run.Status)

		return nil
	}

	e.inflight.cancelRun(runID)

	now := time.Now().UTC()

	for _, step := range def.Steps {
		state, ok := run.StepState(step.ID)
		if !ok || state.Status.IsTerminal() {
			continue
		}

		from := state.Status

		switch state.Status {
		case models.StepStatusWaiting, models.StepStatusReady:
			state.Status = models.StepStatusSkipped
			state.SkipReason = models.SkipReasonRunCancelled
			state.NextAttemptAt = nil
			state.FinishedAt = &now
		default:
			state.Status = models.StepStatusFailed
			state.LastError = &models.StepError{
				Kind:    models.ErrorKindCancelled,
				Message: "run cancelled",
				Reason:  models.SkipReasonRunCancelled,
			}
			state.FinishedAt = &now
		}

		err = e.appendStepTransition(ctx, runID, state, from)
		if err != nil {
			return err
		}
	}

	err = e.tickets.CancelPendingForRun(ctx, runID, now)
	if err != nil {
		return fmt.Errorf("failed to archive pending tickets: %w", err)
	}

	previous := run.Status
	run.Status = models.RunStatusCancelled
	run.EndedAt = &now

	err = e.appendRunTransition(ctx, runID, previous, models.RunStatusCancelled)
	if err != nil {
		return err
	}

	err = e.saveRun(ctx, run)
	if err != nil {
		return err
	}

	cancelled := events.RunCancelled{
		BaseEvent: e.newBase(events.RunCancelledEvent, runID),
		Reason:    reason,
	}
	e.publish(ctx, runID, cancelled)

	e.logger.InfoContext(ctx, "Run cancelled", "run_id", runID, "reason", reason)

	return nil
}

// loadRun fetches a run together with the definition version it was started
// against.
func (e *Engine) loadRun(ctx context.Context, runID string) (*models.Run, *models.WorkflowDefinition, error) {
	run, err := e.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run: %w", err)
	}

	def, err := e.persistence.Definitions().Get(ctx, run.DefinitionID, run.DefinitionVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get definition %s v%d: %w", run.DefinitionID, run.DefinitionVersion, err)
	}

	return run, def, nil
}

func (e *Engine) saveRun(ctx context.Context, run *models.Run) error {
	err := e.persistence.Runs().Save(ctx, run)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	return nil
}

func (e *Engine) appendRunTransition(ctx context.Context, runID string, from, to models.RunStatus) error {
	err := e.audit.Append(ctx, ledger.NewRunTransition(runID, from, to))
	if err != nil {
		return fmt.Errorf("failed to record run transition %s -> %s: %w", from, to, err)
	}

	return nil
}

func (e *Engine) appendStepTransition(ctx context.Context, runID string, state *models.StepState, from models.StepStatus) error {
	err := e.audit.Append(ctx, ledger.NewStepTransition(runID, state, from))
	if err != nil {
		return fmt.Errorf("failed to record step %s transition %s -> %s: %w", state.StepID, from, state.Status, err)
	}

	return nil
}

func (e *Engine) newBase(eventType events.EventType, runID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, runID)
	base.WorkerID = e.workerID

	return base
}

// publish sends a notification event keyed by run ID. Publish failures are
// logged, not returned: the state transition is already committed and
// notifications are advisory.
func (e *Engine) publish(ctx context.Context, runID string, event eventbus.Event) {
	err := e.bus.Publish(ctx, runID, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"run_id", runID, "event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) publishAll(ctx context.Context, runID string, batch []eventbus.Event) {
	for _, event := range batch {
		e.publish(ctx, runID, event)
	}
}

// runLocks serializes state transitions per run ID.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*sync.Mutex)}
}

func (rl *runLocks) lock(runID string) func() {
	rl.mu.Lock()

	lock, ok := rl.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		rl.locks[runID] = lock
	}

	rl.mu.Unlock()
	lock.Lock()

	return lock.Unlock
}

// inflightSet tracks the step attempts currently executing in this process,
// keyed (run, step), with their cancel functions.
type inflightSet struct {
	mu   sync.Mutex
	runs map[string]map[string]context.CancelFunc
}

func newInflightSet() *inflightSet {
	return &inflightSet{runs: make(map[string]map[string]context.CancelFunc)}
}

func (s *inflightSet) add(runID, stepID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.runs[runID]
	if !ok {
		steps = make(map[string]context.CancelFunc)
		s.runs[runID] = steps
	}

	steps[stepID] = cancel
}

func (s *inflightSet) remove(runID, stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.runs[runID]
	if !ok {
		return
	}

	delete(steps, stepID)

	if len(steps) == 0 {
		delete(s.runs, runID)
	}
}

func (s *inflightSet) has(runID, stepID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.runs[runID][stepID]

	return ok
}

func (s *inflightSet) cancelRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cancel := range s.runs[runID] {
		cancel()
	}
}
