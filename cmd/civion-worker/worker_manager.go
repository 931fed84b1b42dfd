package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/civion/civion/pkg/engine"
	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/metrics"
	"github.com/civion/civion/pkg/otelhelper"
	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/scheduler"
)

const defaultShutdownTimeout = 3 * time.Second

// WorkerManager ties the execution plane together: it feeds run commands
// from the event bus into the engine, keeps the dispatch pool and the
// maintenance sweeper running and serves health and metrics over HTTP.
type WorkerManager struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	engine      *engine.Engine
	pool        *scheduler.Pool
	sweeper     *scheduler.Sweeper
	runMetrics  metrics.RunMetrics
	tracer      trace.Tracer
	healthAddr  string
}

func NewWorkerManager(
	id string,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	eng *engine.Engine,
	pool *scheduler.Pool,
	sweeper *scheduler.Sweeper,
	runMetrics metrics.RunMetrics,
	tracer trace.Tracer,
	healthAddr string,
) *WorkerManager {
	return &WorkerManager{
		id:          id,
		logger:      logger.With("module", "civion-worker", "worker_id", id),
		persistence: persist,
		eventBus:    eventBus,
		engine:      eng,
		pool:        pool,
		sweeper:     sweeper,
		runMetrics:  runMetrics,
		tracer:      tracer,
		healthAddr:  healthAddr,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.logger.InfoContext(ctx, "Starting worker manager")

	handlers := map[events.EventType]eventbus.EventHandler{
		events.RunRequestedEvent:       w.handleRunRequested,
		events.RunCancelRequestedEvent: w.handleCancelRequested,
		events.TicketDecidedEvent:      w.handleTicketDecided,
		events.RunStartedEvent:         w.observeNotification,
		events.RunCompletedEvent:       w.observeNotification,
		events.RunFailedEvent:          w.observeNotification,
		events.RunCancelledEvent:       w.observeNotification,
		events.StepSucceededEvent:      w.observeNotification,
		events.StepFailedEvent:         w.observeNotification,
	}

	for eventType, handler := range handlers {
		err := w.eventBus.Handle(eventType, handler)
		if err != nil {
			return err
		}
	}

	err := w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.pool.Start(ctx)

	err = w.sweeper.Start(ctx)
	if err != nil {
		return err
	}

	srv := w.startHealthServer()

	w.logger.InfoContext(ctx, "Worker started successfully", "health_addr", w.healthAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker...")

	cancel()
	w.sweeper.Stop()
	w.pool.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)

	return nil
}

// handleRunRequested starts a pending run and admits its root steps into the
// pool. StartRun ignores runs that already left pending, so a redelivered
// event is harmless.
func (w *WorkerManager) handleRunRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.RunRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunRequested")

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.run_requested",
		attribute.String(otelhelper.EventIDKey, requested.ID),
		attribute.String(otelhelper.RunIDKey, requested.RunID),
		attribute.String(otelhelper.DefinitionIDKey, requested.DefinitionID),
		attribute.Int(otelhelper.DefinitionVersionKey, requested.DefinitionVersion),
	)
	defer span.End()

	logger := w.logger.With(
		"run_id", requested.RunID,
		"definition_id", requested.DefinitionID,
		"event_id", requested.ID,
	)
	logger.InfoContext(ctx, "Processing run requested event")

	dispatches, err := w.engine.StartRun(ctx, requested.RunID)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to start run", "error", err)

		return err
	}

	w.pool.Enqueue(ctx, dispatches...)

	return nil
}

// handleCancelRequested cancels a run cooperatively. Terminal runs ignore
// the cancel, so redelivery is harmless here too.
func (w *WorkerManager) handleCancelRequested(ctx context.Context, event any) error {
	cancelRequested, ok := event.(*events.RunCancelRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunCancelRequested")

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.run_cancel_requested",
		attribute.String(otelhelper.EventIDKey, cancelRequested.ID),
		attribute.String(otelhelper.RunIDKey, cancelRequested.RunID),
	)
	defer span.End()

	logger := w.logger.With("run_id", cancelRequested.RunID, "event_id", cancelRequested.ID)
	logger.InfoContext(ctx, "Processing run cancel requested event")

	err := w.engine.Cancel(ctx, cancelRequested.RunID, cancelRequested.Reason)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to cancel run", "error", err)

		return err
	}

	return nil
}

// handleTicketDecided folds a resolved approval ticket into its suspended
// run and admits the steps the decision unblocked.
func (w *WorkerManager) handleTicketDecided(ctx context.Context, event any) error {
	decided, ok := event.(*events.TicketDecided)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for TicketDecided")

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.ticket_decided",
		attribute.String(otelhelper.EventIDKey, decided.ID),
		attribute.String(otelhelper.RunIDKey, decided.RunID),
		attribute.String(otelhelper.TicketIDKey, decided.TicketID),
		attribute.String(otelhelper.DecisionKey, string(decided.Decision)),
	)
	defer span.End()

	logger := w.logger.With(
		"run_id", decided.RunID,
		"ticket_id", decided.TicketID,
		"decision", decided.Decision,
	)
	logger.InfoContext(ctx, "Processing ticket decided event")

	ticket, err := w.persistence.Tickets().GetByID(ctx, decided.TicketID)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to load ticket", "error", err)

		return err
	}

	dispatches, err := w.engine.ApplyDecision(ctx, ticket)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to apply ticket decision", "error", err)

		return err
	}

	w.pool.Enqueue(ctx, dispatches...)

	return nil
}
