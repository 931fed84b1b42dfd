package ledger

import (
	"sort"

	"github.com/civion/civion/pkg/models"
)

// Replay reconstructs the step states of a run from its audit history.
// Entries are applied in Seq order; for a terminal run the result matches
// the run's final stepStates field for field.
func Replay(entries []*Entry) map[string]*models.StepState {
	ordered := make([]*Entry, len(entries))
	copy(ordered, entries)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	states := make(map[string]*models.StepState)

	for _, entry := range ordered {
		if entry.Type != EntryStepStatus || entry.StepID == "" {
			continue
		}

		state, ok := states[entry.StepID]
		if !ok {
			state = &models.StepState{StepID: entry.StepID, Status: models.StepStatusWaiting}
			states[entry.StepID] = state
		}

		applyStepEntry(state, entry)
	}

	return states
}

func applyStepEntry(state *models.StepState, entry *Entry) {
	state.Status = models.StepStatus(entry.To)
	state.Attempt = entry.Attempt

	recordedAt := entry.RecordedAt

	switch state.Status {
	case models.StepStatusRunning:
		if state.StartedAt == nil {
			state.StartedAt = &recordedAt
		}

		// A re-dispatched attempt clears the previous failure.
		state.FinishedAt = nil
	case models.StepStatusSucceeded, models.StepStatusFailed, models.StepStatusSkipped:
		state.FinishedAt = &recordedAt
	}

	if entry.Detail == nil {
		return
	}

	if output, ok := entry.Detail[DetailOutput]; ok {
		state.Output = output
	}

	if message, ok := entry.Detail[DetailError].(string); ok {
		stepErr := &models.StepError{Message: message}

		if kind, ok := entry.Detail[DetailErrorKind].(string); ok {
			stepErr.Kind = models.ErrorKind(kind)
		}

		if reason, ok := entry.Detail[DetailReason].(string); ok {
			stepErr.Reason = reason
		}

		state.LastError = stepErr
	}

	if state.Status == models.StepStatusSkipped {
		if reason, ok := entry.Detail[DetailReason].(string); ok {
			state.SkipReason = reason
		}
	}

	if state.Status == models.StepStatusSucceeded {
		state.LastError = nil
	}
}
