package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/engine"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

const (
	DefaultSweepSchedule = "@every 30s"
	DefaultStaleAfter    = 5 * time.Minute
	DefaultScanLimit     = 200
)

// SweeperConfig tunes the periodic maintenance sweeps.
type SweeperConfig struct {
	// Schedule is a cron spec shared by all sweeps.
	Schedule string
	// StaleAfter is how long a run may sit unchanged before the stale sweep
	// touches it.
	StaleAfter time.Duration
	// ScanLimit caps how many runs one sweep tick loads per status.
	ScanLimit int
}

// Sweeper runs the periodic maintenance the event-driven path cannot cover:
// expiring overdue approval tickets, restarting work whose worker or event
// got lost and stamping SLA breaches.
type Sweeper struct {
	logger      *slog.Logger
	engine      *engine.Engine
	tickets     *approvals.Manager
	persistence persistence.Persistence
	pool        *Pool
	config      SweeperConfig
	cron        *cron.Cron
}

// NewSweeper creates a sweeper. Zero config values fall back to defaults.
func NewSweeper(
	logger *slog.Logger,
	eng *engine.Engine,
	tickets *approvals.Manager,
	persist persistence.Persistence,
	pool *Pool,
	config SweeperConfig,
) *Sweeper {
	if config.Schedule == "" {
		config.Schedule = DefaultSweepSchedule
	}

	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}

	if config.ScanLimit <= 0 {
		config.ScanLimit = DefaultScanLimit
	}

	return &Sweeper{
		logger:      logger.With("module", "sweeper"),
		engine:      eng,
		tickets:     tickets,
		persistence: persist,
		pool:        pool,
		config:      config,
	}
}

// Start schedules the sweeps. Each sweep is skipped while its previous tick
// still runs.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	jobs := []struct {
		name  string
		sweep func(context.Context) error
	}{
		{"tickets", s.SweepTickets},
		{"stale", s.SweepStale},
		{"sla", s.SweepSLA},
	}

	for _, job := range jobs {
		logger := s.logger.With("sweep", job.name)
		sweep := job.sweep

		_, err := s.cron.AddFunc(s.config.Schedule, func() {
			err := sweep(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Sweep failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s sweep: %w", job.name, err)
		}
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Sweeper started", "schedule", s.config.Schedule)

	return nil
}

// Stop halts the cron scheduler and waits for running sweeps to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// SweepTickets expires overdue approval tickets and applies the timeout
// outcome to their runs.
func (s *Sweeper) SweepTickets(ctx context.Context) error {
	expired, err := s.tickets.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, ticket := range expired {
		dispatches, err := s.engine.ApplyDecision(ctx, ticket)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to apply ticket expiry",
				"ticket_id", ticket.ID, "run_id", ticket.RunID, "error", err)

			continue
		}

		s.pool.Enqueue(ctx, dispatches...)
	}

	return nil
}

// SweepStale restarts work that lost its driver: pending runs whose
// run.requested event never arrived, running runs with stranded steps and
// suspended runs whose ticket.decided event was lost.
func (s *Sweeper) SweepStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.StaleAfter)

	pending, err := s.listStale(ctx, models.RunStatusPending, cutoff)
	if err != nil {
		return err
	}

	for _, run := range pending {
		dispatches, err := s.engine.StartRun(ctx, run.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to start stale pending run", "run_id", run.ID, "error", err)

			continue
		}

		s.logger.WarnContext(ctx, "Started stale pending run", "run_id", run.ID)
		s.pool.Enqueue(ctx, dispatches...)
	}

	running, err := s.listStale(ctx, models.RunStatusRunning, cutoff)
	if err != nil {
		return err
	}

	for _, run := range running {
		dispatches, err := s.engine.RescueRun(ctx, run.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to rescue run", "run_id", run.ID, "error", err)

			continue
		}

		s.pool.Enqueue(ctx, dispatches...)
	}

	suspended, err := s.listStale(ctx, models.RunStatusSuspended, cutoff)
	if err != nil {
		return err
	}

	for _, run := range suspended {
		err = s.applyMissedDecisions(ctx, run)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to apply missed decisions", "run_id", run.ID, "error", err)
		}
	}

	return nil
}

// SweepSLA stamps runs that blew past their deadline.
func (s *Sweeper) SweepSLA(ctx context.Context) error {
	now := time.Now().UTC()

	for _, status := range []models.RunStatus{models.RunStatusRunning, models.RunStatusSuspended} {
		runs, err := s.persistence.Runs().List(ctx, persistence.RunFilter{
			Status: status,
			Limit:  s.config.ScanLimit,
		})
		if err != nil {
			return err
		}

		for _, run := range runs {
			if run.Deadline == nil || run.SLABreachedAt != nil || now.Before(*run.Deadline) {
				continue
			}

			err = s.engine.MarkSLABreached(ctx, run.ID)
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to stamp SLA breach", "run_id", run.ID, "error", err)
			}
		}
	}

	return nil
}

func (s *Sweeper) listStale(ctx context.Context, status models.RunStatus, cutoff time.Time) ([]*models.Run, error) {
	runs, err := s.persistence.Runs().List(ctx, persistence.RunFilter{
		Status:        status,
		UpdatedBefore: cutoff,
		Limit:         s.config.ScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale %s runs: %w", status, err)
	}

	return runs, nil
}

// applyMissedDecisions re-applies resolved tickets for steps still parked in
// awaiting_approval. This is the recovery path for a ticket.decided event
// that never reached a worker.
func (s *Sweeper) applyMissedDecisions(ctx context.Context, run *models.Run) error {
	for stepID, state := range run.StepStates {
		if state.Status != models.StepStatusAwaitingApproval {
			continue
		}

		ticket, err := s.persistence.Tickets().GetByRunAndStep(ctx, run.ID, stepID)
		if err != nil {
			if persistence.IsTicketNotFound(err) {
				continue
			}

			return err
		}

		if !ticket.Resolved() {
			continue
		}

		dispatches, err := s.engine.ApplyDecision(ctx, ticket)
		if err != nil {
			return err
		}

		s.logger.WarnContext(ctx, "Applied missed ticket decision",
			"run_id", run.ID, "step_id", stepID, "ticket_id", ticket.ID)
		s.pool.Enqueue(ctx, dispatches...)
	}

	return nil
}
