package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"approval_tickets", "runs", "workflow_definitions", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("civion_test"),
			postgres.WithUsername("civion"),
			postgres.WithPassword("civion"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = store.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return store, ctx
}

func testDefinition(id string, version int) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      id,
		Version: version,
		Name:    "Invoice processing",
		Steps: []*models.StepSpec{
			{ID: "fetch", Name: "Fetch invoice", Kind: models.StepKindHTTP, Config: map[string]any{"url": "https://billing.internal/invoice"}},
			{ID: "charge", Name: "Charge card", Kind: models.StepKindScript, Config: map[string]any{"command": "charge.sh"}},
		},
		Dependencies: map[string][]string{"charge": {"fetch"}},
		RetryPolicy:  &models.RetryPolicy{MaxAttempts: 5, BackoffBaseMs: 200, BackoffMultiplier: 2},
		SLASeconds:   3600,
		PublishedAt:  time.Now().UTC(),
		PublishedBy:  "ops@example.com",
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	store, ctx := setupTestDB(t)

	require.NoError(t, store.HealthCheck(ctx))

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	second, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)
	require.NoError(t, second.Close(ctx))
}

func TestDefinitionRepository_RoundTrip(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.Definitions()

	def := testDefinition("payments", 1)
	require.NoError(t, repo.Save(ctx, def))

	got, err := repo.Get(ctx, "payments", 1)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.Dependencies, got.Dependencies)
	assert.Equal(t, def.SLASeconds, got.SLASeconds)
	require.NotNil(t, got.RetryPolicy)
	assert.Equal(t, 5, got.RetryPolicy.MaxAttempts)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, models.StepKindHTTP, got.Steps[0].Kind)
	assert.Equal(t, map[string]any{"url": "https://billing.internal/invoice"}, got.Steps[0].Config)
}

func TestDefinitionRepository_VersionConflict(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.Definitions()

	require.NoError(t, repo.Save(ctx, testDefinition("payments", 1)))

	err := repo.Save(ctx, testDefinition("payments", 1))
	require.Error(t, err)
	assert.True(t, persistence.IsVersionConflict(err))
}

func TestDefinitionRepository_LatestVersionsAll(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.Definitions()

	for version := 1; version <= 3; version++ {
		require.NoError(t, repo.Save(ctx, testDefinition("payments", version)))
	}

	require.NoError(t, repo.Save(ctx, testDefinition("billing", 1)))

	latest, err := repo.Latest(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)

	versions, err := repo.Versions(ctx, "payments")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 1, versions[0].Version)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "billing", all[0].ID)
	assert.Equal(t, "payments", all[1].ID)
	assert.Equal(t, 3, all[1].Version)

	_, err = repo.Get(ctx, "payments", 9)
	assert.True(t, persistence.IsDefinitionNotFound(err))

	_, err = repo.Latest(ctx, "missing")
	assert.True(t, persistence.IsDefinitionNotFound(err))
}

func TestRunRepository_RoundTrip(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.Runs()

	def := testDefinition("payments", 1)
	run := models.NewRun("run-1", def, map[string]any{"invoice": "inv-1"}, "ops@example.com")
	require.NoError(t, repo.Save(ctx, run))

	got, err := repo.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)
	assert.Equal(t, "payments", got.DefinitionID)
	assert.Equal(t, 1, got.DefinitionVersion)
	assert.Equal(t, map[string]any{"invoice": "inv-1"}, got.Context)
	require.NotNil(t, got.Deadline)
	assert.Nil(t, got.StartedAt)
	require.Contains(t, got.StepStates, "charge")
	assert.Equal(t, models.StepStatusWaiting, got.StepStates["charge"].Status)

	// Mutate and save again: upsert path
	now := time.Now().UTC()
	got.Status = models.RunStatusRunning
	got.StartedAt = &now
	got.StepStates["fetch"].Status = models.StepStatusReady
	require.NoError(t, repo.Save(ctx, got))

	updated, err := repo.GetByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, updated.Status)
	require.NotNil(t, updated.StartedAt)
	assert.Equal(t, models.StepStatusReady, updated.StepStates["fetch"].Status)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestRunRepository_ListFilters(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.Runs()

	def := testDefinition("payments", 1)

	first := models.NewRun("run-1", def, nil, "")
	require.NoError(t, repo.Save(ctx, first))

	second := models.NewRun("run-2", def, nil, "")
	second.Status = models.RunStatusRunning
	require.NoError(t, repo.Save(ctx, second))

	third := models.NewRun("run-3", testDefinition("billing", 1), nil, "")
	require.NoError(t, repo.Save(ctx, third))

	byDefinition, err := repo.List(ctx, persistence.RunFilter{DefinitionID: "payments"})
	require.NoError(t, err)
	assert.Len(t, byDefinition, 2)

	byStatus, err := repo.List(ctx, persistence.RunFilter{Status: models.RunStatusRunning})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "run-2", byStatus[0].ID)

	limited, err := repo.List(ctx, persistence.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	stale, err := repo.List(ctx, persistence.RunFilter{
		Status:        models.RunStatusRunning,
		UpdatedBefore: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestTicketRepository_Lifecycle(t *testing.T) {
	store, ctx := setupTestDB(t)
	repo := store.Tickets()

	expires := time.Now().UTC().Add(2 * time.Hour)
	ticket := &models.ApprovalTicket{
		ID:          "ticket-1",
		RunID:       "run-1",
		StepID:      "sign-off",
		Decision:    models.DecisionPending,
		RequestedAt: time.Now().UTC(),
		ExpiresAt:   &expires,
	}
	require.NoError(t, repo.Save(ctx, ticket))

	got, err := repo.GetByRunAndStep(ctx, "run-1", "sign-off")
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", got.ID)
	assert.Equal(t, models.DecisionPending, got.Decision)
	require.NotNil(t, got.ExpiresAt)

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Decide and save: the ticket leaves the pending listings
	decidedAt := time.Now().UTC()
	got.Decision = models.DecisionApproved
	got.DecidedBy = "lead@example.com"
	got.Comment = "approved after review"
	got.DecidedAt = &decidedAt
	require.NoError(t, repo.Save(ctx, got))

	pending, err = repo.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	archived, err := repo.GetByID(ctx, "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, archived.Decision)
	assert.Equal(t, "approved after review", archived.Comment)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsTicketNotFound(err))
}
