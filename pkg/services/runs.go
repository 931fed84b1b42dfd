package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/civion/civion/pkg/authz"
	"github.com/civion/civion/pkg/compliance"
	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// Runs accepts run requests and hands them to workers over the event bus.
// The API side never executes steps: it persists the pending run, records
// it in the ledger and publishes a command for a worker to pick up.
type Runs struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	audit       ledger.Ledger
	authorizer  authz.Authorizer
	checker     compliance.Checker
	bus         eventbus.EventPublisher
}

// NewRuns creates a new run service.
func NewRuns(
	logger *slog.Logger,
	persist persistence.Persistence,
	audit ledger.Ledger,
	authorizer authz.Authorizer,
	checker compliance.Checker,
	bus eventbus.EventPublisher,
) *Runs {
	return &Runs{
		logger:      logger.With("module", "services"),
		persistence: persist,
		audit:       audit,
		authorizer:  authorizer,
		checker:     checker,
		bus:         bus,
	}
}

// StartRunRequest contains options for starting a run.
type StartRunRequest struct {
	DefinitionID string `validate:"required"`

	// Version pins a definition version; zero means latest.
	Version int `validate:"min=0"`

	Input map[string]any
	Actor string
}

// StartRun persists a pending run for a definition version and asks the
// workers to execute it. The run record is written before the command is
// published, so a lost command leaves a pending run the sweeper starts
// later instead of losing the request.
func (r *Runs) StartRun(ctx context.Context, req StartRunRequest) (*models.Run, error) {
	if req.DefinitionID == "" {
		return nil, fmt.Errorf("definition ID is required: %w", ErrInvalidRequest)
	}

	err := authorize(ctx, r.authorizer, req.Actor, authz.ActionStartRun, req.DefinitionID)
	if err != nil {
		return nil, err
	}

	def, err := r.definition(ctx, req.DefinitionID, req.Version)
	if err != nil {
		return nil, err
	}

	// Policy may have tightened since the definition was published.
	allow, findings, err := r.checker.Validate(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to run compliance check: %w", err)
	}

	if !allow {
		return nil, &ComplianceError{Findings: findings}
	}

	run := models.NewRun(newID(), def, req.Input, req.Actor)

	entry := ledger.NewEntry(run.ID, ledger.EntryRunCreated)
	entry.Actor = req.Actor
	entry.Detail = map[string]any{
		ledger.DetailDefinition: def.ID,
		ledger.DetailVersion:    def.Version,
	}

	err = r.audit.Append(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to record run creation: %w", err)
	}

	err = r.persistence.Runs().Save(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	event := events.RunRequested{
		BaseEvent:         events.NewBaseEvent(events.RunRequestedEvent, run.ID),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		RequestedBy:       req.Actor,
	}

	err = r.bus.Publish(ctx, run.ID, event)
	if err != nil {
		// The pending run is already durable; the stale-run sweep starts
		// it if no worker ever sees this command.
		r.logger.ErrorContext(ctx, "Failed to publish run request",
			"run_id", run.ID, "error", err)
	}

	r.logger.InfoContext(ctx, "Run requested",
		"run_id", run.ID, "definition_id", def.ID, "version", def.Version)

	return run, nil
}

// CancelRun asks the workers to cancel a run. Cancellation is asynchronous:
// the worker that owns the run applies it, so success here only means the
// request was accepted.
func (r *Runs) CancelRun(ctx context.Context, runID, actor, reason string) error {
	run, err := r.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return err
	}

	err = authorize(ctx, r.authorizer, actor, authz.ActionCancelRun, run.DefinitionID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunFinished)
	}

	event := events.RunCancelRequested{
		BaseEvent:   events.NewBaseEvent(events.RunCancelRequestedEvent, runID),
		RequestedBy: actor,
		Reason:      reason,
	}

	err = r.bus.Publish(ctx, runID, event)
	if err != nil {
		return fmt.Errorf("failed to publish cancel request: %w", err)
	}

	r.logger.InfoContext(ctx, "Run cancellation requested",
		"run_id", runID, "actor", actor)

	return nil
}

// GetRun returns one run snapshot.
func (r *Runs) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return r.persistence.Runs().GetByID(ctx, runID)
}

// ListRunsRequest contains filters for listing runs.
type ListRunsRequest struct {
	DefinitionID string
	Status       string
	Limit        int `validate:"min=0,max=500"`
}

// ListRuns returns run snapshots matching the filters, newest first.
func (r *Runs) ListRuns(ctx context.Context, req ListRunsRequest) ([]*models.Run, error) {
	err := r.validateListRunsRequest(&req)
	if err != nil {
		return nil, err
	}

	filter := persistence.RunFilter{
		DefinitionID: req.DefinitionID,
		Status:       models.RunStatus(req.Status),
		Limit:        req.Limit,
	}

	runs, err := r.persistence.Runs().List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return runs, nil
}

// validateListRunsRequest validates and sets defaults for the request.
func (r *Runs) validateListRunsRequest(req *ListRunsRequest) error {
	if req.Limit <= 0 {
		req.Limit = 50
	}

	if req.Limit > 500 {
		req.Limit = 500
	}

	if req.Status == "" {
		return nil
	}

	allowed := []models.RunStatus{
		models.RunStatusPending,
		models.RunStatusRunning,
		models.RunStatusSuspended,
		models.RunStatusCompleted,
		models.RunStatusFailed,
		models.RunStatusCancelled,
	}

	if !slices.Contains(allowed, models.RunStatus(req.Status)) {
		return NewValidationError(
			"validateListRunsRequest",
			"INVALID_STATUS",
			fmt.Sprintf("invalid run status '%s'", req.Status),
			ErrInvalidStatus,
		)
	}

	return nil
}

// RunHistory returns the append-only audit trail of a run in sequence
// order.
func (r *Runs) RunHistory(ctx context.Context, runID string) ([]*ledger.Entry, error) {
	_, err := r.persistence.Runs().GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	entries, err := r.audit.Query(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}

	return entries, nil
}

// HealthCheck checks the health of the persistence and ledger backends.
func (r *Runs) HealthCheck(ctx context.Context) (string, bool) {
	err := r.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	err = r.audit.HealthCheck(ctx)
	if err != nil {
		return "Audit ledger is unhealthy: " + err.Error(), false
	}

	return "Storage is healthy", true
}

// definition resolves a pinned version, or the latest when version is zero.
func (r *Runs) definition(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	if version > 0 {
		return r.persistence.Definitions().Get(ctx, id, version)
	}

	return r.persistence.Definitions().Latest(ctx, id)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}

	return id.String()
}
