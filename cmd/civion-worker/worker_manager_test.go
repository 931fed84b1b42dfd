package main

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/engine"
	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/ledger/memory"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/persistence/file"
	"github.com/civion/civion/pkg/protocol"
	"github.com/civion/civion/pkg/registry"
	"github.com/civion/civion/pkg/scheduler"
	"github.com/civion/civion/pkg/steps/approval"
)

// MockEventBus records publishes and ignores subscriptions. Pool workers
// publish concurrently, so the slice is mutex-guarded.
type MockEventBus struct {
	mu        sync.Mutex
	published []eventbus.Event
}

func (m *MockEventBus) Handle(events.EventType, eventbus.EventHandler) error { return nil }

func (m *MockEventBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.published = append(m.published, event)

	return nil
}

func (m *MockEventBus) Subscribe(context.Context) error { return nil }

func (m *MockEventBus) Close() error { return nil }

func (m *MockEventBus) GenerateID() string { return "mock-event-id" }

// stubScriptFactory serves the script kind with a fixed payload and counts
// executions per step.
type stubScriptFactory struct {
	mu    sync.Mutex
	calls map[string]int
}

func newStubScriptFactory() *stubScriptFactory {
	return &stubScriptFactory{calls: make(map[string]int)}
}

func (f *stubScriptFactory) callsFor(stepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[stepID]
}

func (f *stubScriptFactory) Create(_ map[string]any) (protocol.StepExecutor, error) {
	return &stubScriptExecutor{factory: f}, nil
}

func (f *stubScriptFactory) Kind() string { return string(models.StepKindScript) }

func (f *stubScriptFactory) Name() string { return "Stub script" }

func (f *stubScriptFactory) Description() string { return "Fixed payload for worker tests" }

func (f *stubScriptFactory) Schema() *models.JSONSchema { return &models.JSONSchema{Type: "object"} }

type stubScriptExecutor struct {
	factory *stubScriptFactory
}

func (e *stubScriptExecutor) Execute(_ context.Context, runCtx models.RunContext, _ *slog.Logger) (any, error) {
	e.factory.mu.Lock()
	e.factory.calls[runCtx.StepID]++
	e.factory.mu.Unlock()

	return map[string]any{"done": true}, nil
}

// recordingRunMetrics captures metric calls for assertions.
type recordingRunMetrics struct {
	mu        sync.Mutex
	started   []string
	finished  []string
	durations []float64
	steps     []string
}

func (r *recordingRunMetrics) IncRunStarted(definition string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started = append(r.started, definition)
}

func (r *recordingRunMetrics) IncRunFinished(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished = append(r.finished, status)
}

func (r *recordingRunMetrics) ObserveRunDuration(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.durations = append(r.durations, seconds)
}

func (r *recordingRunMetrics) IncStepFinished(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps = append(r.steps, status)
}

type testWorker struct {
	t       *testing.T
	manager *WorkerManager
	pool    *scheduler.Pool
	persist persistence.Persistence
	tickets *approvals.Manager
	bus     *MockEventBus
	metrics *recordingRunMetrics
	stub    *stubScriptFactory
}

func newTestWorker(t *testing.T) *testWorker {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	persist := file.NewPersistence(t.TempDir())
	audit := memory.NewLedger()
	tickets := approvals.NewManager(logger, persist.Tickets(), audit)
	bus := &MockEventBus{}
	stub := newStubScriptFactory()

	reg := registry.NewRegistry(logger)
	reg.RegisterExecutor(stub)
	reg.RegisterExecutor(approval.NewExecutorFactory(tickets))

	eng := engine.NewEngine(logger, persist, audit, reg, bus, tickets, "test-worker")
	pool := scheduler.NewPool(logger, eng, nil, 2, 32)
	sweeper := scheduler.NewSweeper(logger, eng, tickets, persist, pool, scheduler.SweeperConfig{})
	runMetrics := &recordingRunMetrics{}

	manager := NewWorkerManager("test-worker", persist, bus, logger, eng, pool, sweeper,
		runMetrics, otel.Tracer("test"), ":0")

	return &testWorker{
		t:       t,
		manager: manager,
		pool:    pool,
		persist: persist,
		tickets: tickets,
		bus:     bus,
		metrics: runMetrics,
		stub:    stub,
	}
}

// startPool runs the dispatch pool for the duration of the test.
func (w *testWorker) startPool() {
	w.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	w.pool.Start(ctx)

	w.t.Cleanup(func() {
		cancel()
		w.pool.Wait()
	})
}

func (w *testWorker) createRun(def *models.WorkflowDefinition) *models.Run {
	w.t.Helper()

	ctx := context.Background()

	err := w.persist.Definitions().Save(ctx, def)
	require.NoError(w.t, err)

	run := models.NewRun(uuid.NewString(), def, nil, "tester")

	err = w.persist.Runs().Save(ctx, run)
	require.NoError(w.t, err)

	return run
}

func (w *testWorker) reload(runID string) *models.Run {
	w.t.Helper()

	run, err := w.persist.Runs().GetByID(context.Background(), runID)
	require.NoError(w.t, err)

	return run
}

func (w *testWorker) waitForStatus(runID string, status models.RunStatus) {
	w.t.Helper()

	require.Eventually(w.t, func() bool {
		return w.reload(runID).Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func pipelineDefinition(id string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      id,
		Version: 1,
		Name:    "Pipeline flow",
		Steps: []*models.StepSpec{
			{ID: "ingest", Kind: models.StepKindScript},
			{ID: "publish", Kind: models.StepKindScript},
		},
		Dependencies: map[string][]string{"publish": {"ingest"}},
		RetryPolicy:  &models.RetryPolicy{MaxAttempts: 3, BackoffBaseMs: 1, BackoffMultiplier: 1},
		PublishedAt:  time.Now().UTC(),
	}
}

func reviewDefinition(id string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      id,
		Version: 1,
		Name:    "Review flow",
		Steps: []*models.StepSpec{
			{ID: "draft", Kind: models.StepKindScript},
			{ID: "review", Kind: models.StepKindApproval, Config: map[string]any{"expires_in_seconds": float64(3600)}},
			{ID: "release", Kind: models.StepKindScript},
		},
		Dependencies: map[string][]string{
			"review":  {"draft"},
			"release": {"review"},
		},
		RetryPolicy: &models.RetryPolicy{MaxAttempts: 3, BackoffBaseMs: 1, BackoffMultiplier: 1},
		PublishedAt: time.Now().UTC(),
	}
}

func runRequestedEvent(run *models.Run) *events.RunRequested {
	return &events.RunRequested{
		BaseEvent:         events.NewBaseEvent(events.RunRequestedEvent, run.ID),
		DefinitionID:      run.DefinitionID,
		DefinitionVersion: run.DefinitionVersion,
		RequestedBy:       run.RequestedBy,
	}
}

func TestNewWorkerManager(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	assert.NotNil(t, w.manager)
	assert.Equal(t, "test-worker", w.manager.id)
	assert.Equal(t, w.persist, w.manager.persistence)
	assert.Equal(t, w.bus, w.manager.eventBus)
	assert.NotNil(t, w.manager.logger)
	assert.NotNil(t, w.manager.engine)
	assert.NotNil(t, w.manager.pool)
	assert.NotNil(t, w.manager.sweeper)
	assert.NotNil(t, w.manager.tracer)
}

func TestWorkerManager_HandleRunRequested_InvalidEvent(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	err := w.manager.handleRunRequested(context.Background(), "invalid-event")
	assert.NoError(t, err)
}

func TestWorkerManager_HandleRunRequested_RunNotFound(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	requested := &events.RunRequested{
		BaseEvent:    events.NewBaseEvent(events.RunRequestedEvent, "missing-run"),
		DefinitionID: "missing-definition",
	}

	err := w.manager.handleRunRequested(context.Background(), requested)
	assert.Error(t, err)
}

func TestWorkerManager_HandleRunRequested_ExecutesRun(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)
	w.startPool()

	run := w.createRun(pipelineDefinition("pipeline"))

	err := w.manager.handleRunRequested(context.Background(), runRequestedEvent(run))
	require.NoError(t, err)

	w.waitForStatus(run.ID, models.RunStatusCompleted)

	assert.Equal(t, 1, w.stub.callsFor("ingest"))
	assert.Equal(t, 1, w.stub.callsFor("publish"))

	// Redelivery after completion is absorbed without re-executing steps.
	err = w.manager.handleRunRequested(context.Background(), runRequestedEvent(run))
	require.NoError(t, err)

	assert.Equal(t, 1, w.stub.callsFor("ingest"))
	assert.Equal(t, models.RunStatusCompleted, w.reload(run.ID).Status)
}

func TestWorkerManager_HandleCancelRequested_InvalidEvent(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	err := w.manager.handleCancelRequested(context.Background(), "invalid-event")
	assert.NoError(t, err)
}

func TestWorkerManager_HandleCancelRequested_CancelsPendingRun(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	run := w.createRun(pipelineDefinition("cancel-pipeline"))

	cancelEvent := &events.RunCancelRequested{
		BaseEvent: events.NewBaseEvent(events.RunCancelRequestedEvent, run.ID),
		Reason:    "operator request",
	}

	err := w.manager.handleCancelRequested(context.Background(), cancelEvent)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCancelled, w.reload(run.ID).Status)
}

func TestWorkerManager_HandleTicketDecided_InvalidEvent(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	err := w.manager.handleTicketDecided(context.Background(), "invalid-event")
	assert.NoError(t, err)
}

func TestWorkerManager_HandleTicketDecided_TicketNotFound(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)

	decided := &events.TicketDecided{
		BaseEvent: events.NewBaseEvent(events.TicketDecidedEvent, "some-run"),
		TicketID:  "missing-ticket",
		Decision:  models.DecisionApproved,
	}

	err := w.manager.handleTicketDecided(context.Background(), decided)
	assert.Error(t, err)
}

func TestWorkerManager_ApprovalDecisionResumesRun(t *testing.T) {
	t.Parallel()

	w := newTestWorker(t)
	w.startPool()

	run := w.createRun(reviewDefinition("review-flow"))
	ctx := context.Background()

	err := w.manager.handleRunRequested(ctx, runRequestedEvent(run))
	require.NoError(t, err)

	w.waitForStatus(run.ID, models.RunStatusSuspended)

	ticket, err := w.persist.Tickets().GetByRunAndStep(ctx, run.ID, "review")
	require.NoError(t, err)

	_, err = w.tickets.Decide(ctx, ticket.ID, models.DecisionApproved, "ops", "looks good")
	require.NoError(t, err)

	decided := &events.TicketDecided{
		BaseEvent: events.NewBaseEvent(events.TicketDecidedEvent, run.ID),
		TicketID:  ticket.ID,
		StepID:    "review",
		Decision:  models.DecisionApproved,
		DecidedBy: "ops",
	}

	err = w.manager.handleTicketDecided(ctx, decided)
	require.NoError(t, err)

	w.waitForStatus(run.ID, models.RunStatusCompleted)

	final := w.reload(run.ID)
	assert.Equal(t, models.StepStatusSucceeded, final.StepStates["release"].Status)
	assert.Equal(t, 1, w.stub.callsFor("draft"))
	assert.Equal(t, 1, w.stub.callsFor("release"))
}

func TestWorkerManager_ObserveNotification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		event         any
		wantStarted   []string
		wantFinished  []string
		wantDurations []float64
		wantSteps     []string
	}{
		{
			name:        "run started",
			event:       &events.RunStarted{DefinitionID: "order-flow"},
			wantStarted: []string{"order-flow"},
		},
		{
			name:          "run completed",
			event:         &events.RunCompleted{Duration: 90 * time.Second},
			wantFinished:  []string{"completed"},
			wantDurations: []float64{90},
		},
		{
			name:          "run failed",
			event:         &events.RunFailed{Duration: 5 * time.Second},
			wantFinished:  []string{"failed"},
			wantDurations: []float64{5},
		},
		{
			name:         "run cancelled",
			event:        &events.RunCancelled{},
			wantFinished: []string{"cancelled"},
		},
		{
			name:      "step succeeded",
			event:     &events.StepSucceeded{StepID: "ingest"},
			wantSteps: []string{"succeeded"},
		},
		{
			name:      "step failed",
			event:     &events.StepFailed{StepID: "ingest"},
			wantSteps: []string{"failed"},
		},
		{
			name:  "unrelated notification",
			event: &events.RunSuspended{StepID: "review"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := newTestWorker(t)

			err := w.manager.observeNotification(context.Background(), tt.event)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStarted, w.metrics.started)
			assert.Equal(t, tt.wantFinished, w.metrics.finished)
			assert.Equal(t, tt.wantDurations, w.metrics.durations)
			assert.Equal(t, tt.wantSteps, w.metrics.steps)
		})
	}
}
