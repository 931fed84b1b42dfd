package main

import (
	"context"

	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/models"
)

// observeNotification folds run-topic notifications into the Prometheus
// collectors. Each event is consumed by one worker of the group, so the
// fleet-wide totals come out of aggregation at scrape time.
func (w *WorkerManager) observeNotification(_ context.Context, event any) error {
	switch notification := event.(type) {
	case *events.RunStarted:
		w.runMetrics.IncRunStarted(notification.DefinitionID)
	case *events.RunCompleted:
		w.runMetrics.IncRunFinished(string(models.RunStatusCompleted))
		w.runMetrics.ObserveRunDuration(notification.Duration.Seconds())
	case *events.RunFailed:
		w.runMetrics.IncRunFinished(string(models.RunStatusFailed))
		w.runMetrics.ObserveRunDuration(notification.Duration.Seconds())
	case *events.RunCancelled:
		w.runMetrics.IncRunFinished(string(models.RunStatusCancelled))
	case *events.StepSucceeded:
		w.runMetrics.IncStepFinished(string(models.StepStatusSucceeded))
	case *events.StepFailed:
		w.runMetrics.IncStepFinished(string(models.StepStatusFailed))
	}

	return nil
}
