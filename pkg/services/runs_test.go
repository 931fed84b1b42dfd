package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civion/civion/pkg/authz"
	"github.com/civion/civion/pkg/compliance"
	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/events"
	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/services"
)

// failBus rejects every publish.
type failBus struct{}

func (failBus) Publish(context.Context, string, eventbus.Event) error {
	return errors.New("broker unavailable")
}

func (h *svcHarness) publishPipeline(id string) *models.WorkflowDefinition {
	h.t.Helper()

	def, err := h.publishing.PublishDefinition(context.Background(), "platform-team", pipelineDefinition(id))
	require.NoError(h.t, err)

	return def
}

func TestRuns_StartRunPersistsPendingAndPublishesCommand(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	ctx := context.Background()
	def := h.publishPipeline("pipeline")

	run, err := h.runs.StartRun(ctx, services.StartRunRequest{
		DefinitionID: "pipeline",
		Input:        map[string]any{"region": "eu-west-1"},
		Actor:        "release-bot",
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, def.Version, run.DefinitionVersion)
	assert.Equal(t, "release-bot", run.RequestedBy)
	assert.Equal(t, "eu-west-1", run.Context["region"])

	for _, state := range run.StepStates {
		assert.Equal(t, models.StepStatusWaiting, state.Status)
	}

	stored, err := h.persist.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, stored.Status)

	entries, err := h.audit.Query(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryRunCreated, entries[0].Type)
	assert.Equal(t, "release-bot", entries[0].Actor)
	assert.Equal(t, "pipeline", entries[0].Detail[ledger.DetailDefinition])

	requested := h.bus.ofType(events.RunRequestedEvent)
	require.Len(t, requested, 1)

	command, ok := requested[0].(events.RunRequested)
	require.True(t, ok)
	assert.Equal(t, run.ID, command.RunID)
	assert.Equal(t, "pipeline", command.DefinitionID)
	assert.Equal(t, def.Version, command.DefinitionVersion)
	assert.Equal(t, "release-bot", command.RequestedBy)
}

func TestRuns_StartRunPinsVersion(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	h.publishPipeline("pipeline")
	h.publishPipeline("pipeline")

	run, err := h.runs.StartRun(context.Background(), services.StartRunRequest{
		DefinitionID: "pipeline",
		Version:      1,
		Actor:        "release-bot",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, run.DefinitionVersion)
}

func TestRuns_StartRunUnknownDefinition(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)

	_, err := h.runs.StartRun(context.Background(), services.StartRunRequest{
		DefinitionID: "ghost",
		Actor:        "release-bot",
	})
	require.Error(t, err)
	assert.True(t, services.IsNotFound(err))
}

func TestRuns_StartRunRechecksCompliance(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	ctx := context.Background()

	// Published under a permissive checker; the step config would not pass
	// the schema checker the run service enforces.
	permissive := services.NewPublishing(h.persist, authz.AllowAll{}, compliance.AllowAll{})
	def := pipelineDefinition("legacy")
	def.Steps[0].Config = nil

	_, err := permissive.PublishDefinition(ctx, "platform-team", def)
	require.NoError(t, err)

	_, err = h.runs.StartRun(ctx, services.StartRunRequest{
		DefinitionID: "legacy",
		Actor:        "release-bot",
	})
	require.Error(t, err)
	assert.True(t, services.IsComplianceBlocked(err))
}

func TestRuns_StartRunSurvivesPublishFailure(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	ctx := context.Background()
	h.publishPipeline("pipeline")

	unreliable := services.NewRuns(testLogger(), h.persist, h.audit, authz.AllowAll{}, h.checker, failBus{})

	run, err := unreliable.StartRun(ctx, services.StartRunRequest{
		DefinitionID: "pipeline",
		Actor:        "release-bot",
	})
	require.NoError(t, err)

	// The pending run is durable even though the command never left; the
	// stale-run sweep picks it up from here.
	stored, err := h.persist.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, stored.Status)
}

func TestRuns_CancelRunPublishesCommand(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	ctx := context.Background()
	h.publishPipeline("pipeline")

	run, err := h.runs.StartRun(ctx, services.StartRunRequest{DefinitionID: "pipeline", Actor: "release-bot"})
	require.NoError(t, err)

	err = h.runs.CancelRun(ctx, run.ID, "operator", "bad deploy window")
	require.NoError(t, err)

	cancels := h.bus.ofType(events.RunCancelRequestedEvent)
	require.Len(t, cancels, 1)

	command, ok := cancels[0].(events.RunCancelRequested)
	require.True(t, ok)
	assert.Equal(t, run.ID, command.RunID)
	assert.Equal(t, "operator", command.RequestedBy)
	assert.Equal(t, "bad deploy window", command.Reason)

	// Cancellation is applied by a worker, not here.
	stored, err := h.persist.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, stored.Status)
}

func TestRuns_CancelFinishedRunConflicts(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	ctx := context.Background()
	h.publishPipeline("pipeline")

	run, err := h.runs.StartRun(ctx, services.StartRunRequest{DefinitionID: "pipeline", Actor: "release-bot"})
	require.NoError(t, err)

	run.Status = models.RunStatusCompleted
	require.NoError(t, h.persist.Runs().Save(ctx, run))

	err = h.runs.CancelRun(ctx, run.ID, "operator", "too late")
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrRunFinished)
	assert.True(t, services.IsConflictError(err))
	assert.Empty(t, h.bus.ofType(events.RunCancelRequestedEvent))
}

func TestRuns_ListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	ctx := context.Background()
	h.publishPipeline("pipeline")

	first, err := h.runs.StartRun(ctx, services.StartRunRequest{DefinitionID: "pipeline", Actor: "release-bot"})
	require.NoError(t, err)

	_, err = h.runs.StartRun(ctx, services.StartRunRequest{DefinitionID: "pipeline", Actor: "release-bot"})
	require.NoError(t, err)

	first.Status = models.RunStatusCompleted
	require.NoError(t, h.persist.Runs().Save(ctx, first))

	completed, err := h.runs.ListRuns(ctx, services.ListRunsRequest{Status: "completed"})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, first.ID, completed[0].ID)

	all, err := h.runs.ListRuns(ctx, services.ListRunsRequest{DefinitionID: "pipeline"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = h.runs.ListRuns(ctx, services.ListRunsRequest{Status: "exploded"})
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
}

func TestRuns_RunHistory(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)
	ctx := context.Background()
	h.publishPipeline("pipeline")

	run, err := h.runs.StartRun(ctx, services.StartRunRequest{DefinitionID: "pipeline", Actor: "release-bot"})
	require.NoError(t, err)

	history, err := h.runs.RunHistory(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, ledger.EntryRunCreated, history[0].Type)

	_, err = h.runs.RunHistory(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, services.IsNotFound(err))
}

func TestRuns_HealthCheck(t *testing.T) {
	t.Parallel()

	h := newSvcHarness(t)

	message, healthy := h.runs.HealthCheck(context.Background())
	assert.True(t, healthy)
	assert.NotEmpty(t, message)
}
