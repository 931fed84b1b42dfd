//go:build integration

package web_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	ledgerpg "github.com/civion/civion/pkg/ledger/postgres"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence/postgresql"
	"github.com/civion/civion/pkg/web"
)

// setupIntegrationAPI runs the handler stack against a real PostgreSQL
// instance backing both the persistence layer and the audit ledger.
func setupIntegrationAPI(t *testing.T) *testAPI {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Second)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("civion_test"),
		postgres.WithUsername("civion"),
		postgres.WithPassword("civion"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	persist, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	audit, err := ledgerpg.NewLedger(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = audit.Close(ctx)
		_ = persist.Close(ctx)
		_ = container.Terminate(ctx)
		cancel()
	})

	return newTestAPI(t, persist, audit)
}

func TestRunLifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	api := setupIntegrationAPI(t)

	var runID string

	t.Run("publish two versions", func(t *testing.T) {
		for range 2 {
			req := jsonRequest(t, http.MethodPost, "/definitions", pipelineDefinition("pipeline"))
			req.Header.Set("X-Actor", "release-bot")

			resp, err := api.app.Test(req)
			require.NoError(t, err)

			defer func() { _ = resp.Body.Close() }()

			require.Equal(t, http.StatusCreated, resp.StatusCode)
		}

		resp, err := api.app.Test(httptest.NewRequest(http.MethodGet, "/definitions/pipeline", nil))
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		var def models.WorkflowDefinition
		err = json.NewDecoder(resp.Body).Decode(&def)
		require.NoError(t, err)
		assert.Equal(t, 2, def.Version)
	})

	t.Run("start run pinned to first version", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/runs", web.StartRunRequest{
			DefinitionID: "pipeline",
			Version:      1,
			Input:        map[string]any{"region": "eu-west-1"},
		})
		req.Header.Set("X-Actor", "release-bot")

		resp, err := api.app.Test(req)
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var response web.StartRunResponse
		err = json.NewDecoder(resp.Body).Decode(&response)
		require.NoError(t, err)

		assert.Equal(t, string(models.RunStatusPending), response.Status)

		runID = response.RunID
	})

	t.Run("run snapshot keeps pinned version", func(t *testing.T) {
		resp, err := api.app.Test(httptest.NewRequest(http.MethodGet, "/runs/"+runID, nil))
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var run models.Run
		err = json.NewDecoder(resp.Body).Decode(&run)
		require.NoError(t, err)

		assert.Equal(t, 1, run.DefinitionVersion)
		assert.Equal(t, "release-bot", run.RequestedBy)
		assert.Len(t, run.StepStates, 2)
	})

	t.Run("history records creation", func(t *testing.T) {
		resp, err := api.app.Test(httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/history", nil))
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var response struct {
			Entries []struct {
				Type string `json:"type"`
			} `json:"entries"`
		}

		err = json.NewDecoder(resp.Body).Decode(&response)
		require.NoError(t, err)

		require.NotEmpty(t, response.Entries)
		assert.Equal(t, "run.created", response.Entries[0].Type)
	})

	t.Run("cancel is accepted", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/runs/"+runID+"/cancel", web.CancelRunRequest{Reason: "superseded"})
		req.Header.Set("X-Actor", "operator")

		resp, err := api.app.Test(req)
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})
}

func TestApprovalFlow_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	api := setupIntegrationAPI(t)

	ticket := api.seedTicket(t, "gated-deploy")

	t.Run("ticket shows up in pending queue", func(t *testing.T) {
		resp, err := api.app.Test(httptest.NewRequest(http.MethodGet, "/tickets?pending=true", nil))
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var response struct {
			Tickets []models.ApprovalTicket `json:"tickets"`
			Count   int                     `json:"count"`
		}

		err = json.NewDecoder(resp.Body).Decode(&response)
		require.NoError(t, err)

		require.Equal(t, 1, response.Count)
		assert.Equal(t, ticket.ID, response.Tickets[0].ID)
	})

	t.Run("approve", func(t *testing.T) {
		resp, err := api.app.Test(jsonRequest(t, http.MethodPost, "/tickets/"+ticket.ID+"/decide",
			web.DecideTicketRequest{Decision: "approved", Actor: "release-manager", Comment: "ship it"}))
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusOK, resp.StatusCode)

		var decided models.ApprovalTicket
		err = json.NewDecoder(resp.Body).Decode(&decided)
		require.NoError(t, err)

		assert.Equal(t, models.DecisionApproved, decided.Decision)
	})

	t.Run("conflicting decision is rejected", func(t *testing.T) {
		resp, err := api.app.Test(jsonRequest(t, http.MethodPost, "/tickets/"+ticket.ID+"/decide",
			web.DecideTicketRequest{Decision: "rejected", Actor: "auditor"}))
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("decided ticket leaves the queue", func(t *testing.T) {
		resp, err := api.app.Test(httptest.NewRequest(http.MethodGet, "/tickets?pending=true", nil))
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		var response struct {
			Count int `json:"count"`
		}

		err = json.NewDecoder(resp.Body).Decode(&response)
		require.NoError(t, err)

		assert.Equal(t, 0, response.Count)
	})
}
