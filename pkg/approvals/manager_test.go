package approvals_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/ledger/memory"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*approvals.Manager, persistence.TicketRepository, *memory.Ledger) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	tickets := file.NewTicketRepository(t.TempDir())
	audit := memory.NewLedger()

	return approvals.NewManager(logger, tickets, audit), tickets, audit
}

func entriesOfType(t *testing.T, audit *memory.Ledger, runID, entryType string) []*ledger.Entry {
	t.Helper()

	all, err := audit.Query(context.Background(), runID)
	require.NoError(t, err)

	matched := make([]*ledger.Entry, 0)

	for _, entry := range all {
		if entry.Type == entryType {
			matched = append(matched, entry)
		}
	}

	return matched
}

func TestManager_CreateTicketIsIdempotentPerStep(t *testing.T) {
	t.Parallel()

	manager, _, audit := newTestManager(t)
	ctx := context.Background()

	first, err := manager.CreateTicket(ctx, "run-1", "approve-payment", 0)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.Equal(t, models.DecisionPending, first.Decision)
	assert.Nil(t, first.ExpiresAt)

	second, err := manager.CreateTicket(ctx, "run-1", "approve-payment", 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	created := entriesOfType(t, audit, "run-1", ledger.EntryTicketCreated)
	assert.Len(t, created, 1)
	assert.Equal(t, first.ID, created[0].TicketID)
	assert.Equal(t, "approve-payment", created[0].StepID)
}

func TestManager_CreateTicketSetsExpiry(t *testing.T) {
	t.Parallel()

	manager, _, _ := newTestManager(t)

	ticket, err := manager.CreateTicket(context.Background(), "run-1", "gate", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, ticket.ExpiresAt)
	assert.Equal(t, ticket.RequestedAt.Add(time.Hour), *ticket.ExpiresAt)
}

func TestManager_DecideAppliesAndRepeatsAsNoOp(t *testing.T) {
	t.Parallel()

	manager, tickets, audit := newTestManager(t)
	ctx := context.Background()

	ticket, err := manager.CreateTicket(ctx, "run-2", "gate", 0)
	require.NoError(t, err)

	outcome, err := manager.Decide(ctx, ticket.ID, models.DecisionApproved, "alice", "looks good")
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, models.DecisionApproved, outcome.Ticket.Decision)
	assert.Equal(t, "alice", outcome.Ticket.DecidedBy)
	assert.Equal(t, "looks good", outcome.Ticket.Comment)
	require.NotNil(t, outcome.Ticket.DecidedAt)

	repeat, err := manager.Decide(ctx, ticket.ID, models.DecisionApproved, "alice", "again")
	require.NoError(t, err)
	assert.False(t, repeat.Applied)

	stored, err := tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "looks good", stored.Comment)

	decided := entriesOfType(t, audit, "run-2", ledger.EntryTicketDecided)
	require.Len(t, decided, 1)
	assert.Equal(t, string(models.DecisionPending), decided[0].From)
	assert.Equal(t, string(models.DecisionApproved), decided[0].To)
	assert.Equal(t, "alice", decided[0].Actor)
	assert.Equal(t, "looks good", decided[0].Detail[ledger.DetailComment])
}

func TestManager_DecideConflictIsRejectedAndAudited(t *testing.T) {
	t.Parallel()

	manager, tickets, audit := newTestManager(t)
	ctx := context.Background()

	ticket, err := manager.CreateTicket(ctx, "run-3", "gate", 0)
	require.NoError(t, err)

	_, err = manager.Decide(ctx, ticket.ID, models.DecisionRejected, "alice", "no")
	require.NoError(t, err)

	outcome, err := manager.Decide(ctx, ticket.ID, models.DecisionApproved, "bob", "yes")
	require.ErrorIs(t, err, approvals.ErrConflictingDecision)
	assert.Nil(t, outcome)

	stored, err := tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, stored.Decision)
	assert.Equal(t, "alice", stored.DecidedBy)

	decided := entriesOfType(t, audit, "run-3", ledger.EntryTicketDecided)
	require.Len(t, decided, 2)
	assert.Equal(t, "bob", decided[1].Actor)
	assert.Equal(t, true, decided[1].Detail[ledger.DetailConflict])
	assert.Equal(t, string(models.DecisionApproved), decided[1].Detail[ledger.DetailDecision])
}

func TestManager_DecideRejectsInvalidDecisions(t *testing.T) {
	t.Parallel()

	manager, _, _ := newTestManager(t)

	_, err := manager.Decide(context.Background(), "any", models.DecisionPending, "alice", "")
	require.ErrorIs(t, err, approvals.ErrInvalidDecision)
}

func TestManager_DecideUnknownTicket(t *testing.T) {
	t.Parallel()

	manager, _, _ := newTestManager(t)

	_, err := manager.Decide(context.Background(), "missing", models.DecisionApproved, "alice", "")
	require.Error(t, err)
	assert.True(t, persistence.IsTicketNotFound(err))
}

func TestManager_ExpireOverdue(t *testing.T) {
	t.Parallel()

	manager, tickets, audit := newTestManager(t)
	ctx := context.Background()

	overdue, err := manager.CreateTicket(ctx, "run-4", "gate", time.Minute)
	require.NoError(t, err)

	eternal, err := manager.CreateTicket(ctx, "run-4", "other-gate", 0)
	require.NoError(t, err)

	expired, err := manager.ExpireOverdue(ctx, time.Now().UTC().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].ID)
	require.NotNil(t, expired[0].ExpiredAt)

	pending, err := tickets.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, eternal.ID, pending[0].ID)

	entries := entriesOfType(t, audit, "run-4", ledger.EntryTicketExpired)
	require.Len(t, entries, 1)
	assert.Equal(t, overdue.ID, entries[0].TicketID)
}

func TestManager_DecideAfterExpiryConflicts(t *testing.T) {
	t.Parallel()

	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	ticket, err := manager.CreateTicket(ctx, "run-5", "gate", time.Minute)
	require.NoError(t, err)

	_, err = manager.ExpireOverdue(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	_, err = manager.Decide(ctx, ticket.ID, models.DecisionApproved, "alice", "too late")
	require.ErrorIs(t, err, approvals.ErrConflictingDecision)
}

func TestManager_CancelPendingForRun(t *testing.T) {
	t.Parallel()

	manager, tickets, audit := newTestManager(t)
	ctx := context.Background()

	_, err := manager.CreateTicket(ctx, "run-6", "gate", 0)
	require.NoError(t, err)

	kept, err := manager.CreateTicket(ctx, "run-7", "gate", 0)
	require.NoError(t, err)

	err = manager.CancelPendingForRun(ctx, "run-6", time.Now().UTC())
	require.NoError(t, err)

	pending, err := tickets.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, kept.ID, pending[0].ID)

	entries := entriesOfType(t, audit, "run-6", ledger.EntryTicketExpired)
	require.Len(t, entries, 1)
	assert.Equal(t, models.SkipReasonRunCancelled, entries[0].Detail[ledger.DetailReason])
}
