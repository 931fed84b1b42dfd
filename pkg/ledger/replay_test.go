package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/models"
)

var replayBase = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func at(offset int) time.Time {
	return replayBase.Add(time.Duration(offset) * time.Second)
}

func stepEntry(seq int64, stepID string, from, to models.StepStatus, attempt int, detail map[string]any) *ledger.Entry {
	return &ledger.Entry{
		ID:         "entry-" + stepID,
		RunID:      "run-1",
		Seq:        seq,
		Type:       ledger.EntryStepStatus,
		StepID:     stepID,
		From:       string(from),
		To:         string(to),
		Attempt:    attempt,
		Detail:     detail,
		RecordedAt: at(int(seq)),
	}
}

func TestReplay_RetrySequence(t *testing.T) {
	entries := []*ledger.Entry{
		stepEntry(1, "charge", models.StepStatusWaiting, models.StepStatusReady, 0, nil),
		stepEntry(2, "charge", models.StepStatusReady, models.StepStatusRunning, 0, nil),
		stepEntry(3, "charge", models.StepStatusRunning, models.StepStatusReady, 1, map[string]any{
			ledger.DetailError:     "gateway unavailable",
			ledger.DetailErrorKind: "transient",
		}),
		stepEntry(4, "charge", models.StepStatusReady, models.StepStatusRunning, 1, nil),
		stepEntry(5, "charge", models.StepStatusRunning, models.StepStatusSucceeded, 1, map[string]any{
			ledger.DetailOutput: map[string]any{"receipt": "r-9"},
		}),
	}

	started := at(2)
	finished := at(5)

	states := ledger.Replay(entries)

	assert.Equal(t, map[string]*models.StepState{
		"charge": {
			StepID:     "charge",
			Status:     models.StepStatusSucceeded,
			Attempt:    1,
			Output:     map[string]any{"receipt": "r-9"},
			StartedAt:  &started,
			FinishedAt: &finished,
		},
	}, states)
}

func TestReplay_FailureAndSkipPropagation(t *testing.T) {
	entries := []*ledger.Entry{
		stepEntry(1, "fetch", models.StepStatusWaiting, models.StepStatusReady, 0, nil),
		stepEntry(2, "fetch", models.StepStatusReady, models.StepStatusRunning, 0, nil),
		stepEntry(3, "fetch", models.StepStatusRunning, models.StepStatusSucceeded, 0, map[string]any{
			ledger.DetailOutput: map[string]any{"invoice": "inv-1"},
		}),
		stepEntry(4, "charge", models.StepStatusWaiting, models.StepStatusReady, 0, nil),
		stepEntry(5, "charge", models.StepStatusReady, models.StepStatusRunning, 0, nil),
		stepEntry(6, "charge", models.StepStatusRunning, models.StepStatusFailed, 0, map[string]any{
			ledger.DetailError:     "card declined",
			ledger.DetailErrorKind: "permanent",
		}),
		stepEntry(7, "notify", models.StepStatusWaiting, models.StepStatusSkipped, 0, map[string]any{
			ledger.DetailReason: models.SkipReasonUpstreamFailed,
		}),
	}

	fetchStarted, fetchFinished := at(2), at(3)
	chargeStarted, chargeFinished := at(5), at(6)
	notifyFinished := at(7)

	states := ledger.Replay(entries)

	assert.Equal(t, map[string]*models.StepState{
		"fetch": {
			StepID:     "fetch",
			Status:     models.StepStatusSucceeded,
			Output:     map[string]any{"invoice": "inv-1"},
			StartedAt:  &fetchStarted,
			FinishedAt: &fetchFinished,
		},
		"charge": {
			StepID: "charge",
			Status: models.StepStatusFailed,
			LastError: &models.StepError{
				Kind:    models.ErrorKindPermanent,
				Message: "card declined",
			},
			StartedAt:  &chargeStarted,
			FinishedAt: &chargeFinished,
		},
		"notify": {
			StepID:     "notify",
			Status:     models.StepStatusSkipped,
			SkipReason: models.SkipReasonUpstreamFailed,
			FinishedAt: &notifyFinished,
		},
	}, states)
}

func TestReplay_OrdersBySequence(t *testing.T) {
	ordered := []*ledger.Entry{
		stepEntry(1, "fetch", models.StepStatusWaiting, models.StepStatusReady, 0, nil),
		stepEntry(2, "fetch", models.StepStatusReady, models.StepStatusRunning, 0, nil),
		stepEntry(3, "fetch", models.StepStatusRunning, models.StepStatusSucceeded, 0, nil),
	}
	shuffled := []*ledger.Entry{ordered[2], ordered[0], ordered[1]}

	assert.Equal(t, ledger.Replay(ordered), ledger.Replay(shuffled))
}

func TestReplay_IgnoresRunLevelEntries(t *testing.T) {
	runEntry := ledger.NewRunTransition("run-1", models.RunStatusPending, models.RunStatusRunning)
	runEntry.Seq = 1

	entries := []*ledger.Entry{
		runEntry,
		stepEntry(2, "fetch", models.StepStatusWaiting, models.StepStatusReady, 0, nil),
	}

	states := ledger.Replay(entries)

	assert.Len(t, states, 1)
	assert.Contains(t, states, "fetch")
	assert.Equal(t, models.StepStatusReady, states["fetch"].Status)
}

func TestReplay_AwaitingApprovalThenApproved(t *testing.T) {
	entries := []*ledger.Entry{
		stepEntry(1, "sign-off", models.StepStatusWaiting, models.StepStatusReady, 0, nil),
		stepEntry(2, "sign-off", models.StepStatusReady, models.StepStatusRunning, 0, nil),
		stepEntry(3, "sign-off", models.StepStatusRunning, models.StepStatusAwaitingApproval, 0, nil),
		stepEntry(4, "sign-off", models.StepStatusAwaitingApproval, models.StepStatusSucceeded, 0, map[string]any{
			ledger.DetailOutput: map[string]any{"decision": "approved"},
		}),
	}

	states := ledger.Replay(entries)

	assert.Equal(t, models.StepStatusSucceeded, states["sign-off"].Status)
	assert.Equal(t, map[string]any{"decision": "approved"}, states["sign-off"].Output)
	assert.NotNil(t, states["sign-off"].StartedAt)
	assert.NotNil(t, states["sign-off"].FinishedAt)
}
