// Package dag resolves step readiness and failure propagation over a
// workflow definition's dependency graph. All functions are pure: they read
// a definition plus the current step states and never mutate either, so the
// engine stays the single writer.
package dag

import (
	"errors"
	"fmt"

	"github.com/civion/civion/pkg/models"
)

var (
	// ErrCycle indicates the dependency map does not form a DAG.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrUnknownStep indicates a dependency references a step ID that does
	// not exist in the definition.
	ErrUnknownStep = errors.New("dependency references unknown step")

	// ErrDuplicateStep indicates two steps share the same ID.
	ErrDuplicateStep = errors.New("duplicate step id")

	// ErrSelfDependency indicates a step depends on itself.
	ErrSelfDependency = errors.New("step depends on itself")
)

// Validate checks the structural invariants of a definition's graph: unique
// step IDs, resolvable dependency references and acyclicity. Definitions
// that fail here are rejected at publish time and never reach execution.
func Validate(def *models.WorkflowDefinition) error {
	seen := make(map[string]bool, len(def.Steps))

	for _, step := range def.Steps {
		if seen[step.ID] {
			return fmt.Errorf("step %q: %w", step.ID, ErrDuplicateStep)
		}

		seen[step.ID] = true
	}

	for stepID, deps := range def.Dependencies {
		if !seen[stepID] {
			return fmt.Errorf("dependency entry %q: %w", stepID, ErrUnknownStep)
		}

		for _, dep := range deps {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on %q: %w", stepID, dep, ErrUnknownStep)
			}

			if dep == stepID {
				return fmt.Errorf("step %q: %w", stepID, ErrSelfDependency)
			}
		}
	}

	return checkAcyclic(def)
}

// checkAcyclic runs Kahn's algorithm over the dependency map.
func checkAcyclic(def *models.WorkflowDefinition) error {
	indegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))

	for _, step := range def.Steps {
		indegree[step.ID] = len(def.DependenciesOf(step.ID))

		for _, dep := range def.DependenciesOf(step.ID) {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	queue := make([]string, 0, len(def.Steps))

	for _, step := range def.Steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	visited := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		for _, next := range dependents[current] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(def.Steps) {
		return ErrCycle
	}

	return nil
}

// Ready returns the IDs of steps eligible for dispatch: status Waiting with
// every dependency Succeeded or Skipped. The result follows step declaration
// order, so repeated evaluation over the same states yields the same
// sequence.
func Ready(def *models.WorkflowDefinition, states map[string]*models.StepState) []string {
	ready := make([]string, 0, len(def.Steps))

	for _, step := range def.Steps {
		state, ok := states[step.ID]
		if !ok || state.Status != models.StepStatusWaiting {
			continue
		}

		if depsSatisfied(def, states, step.ID) {
			ready = append(ready, step.ID)
		}
	}

	return ready
}

func depsSatisfied(def *models.WorkflowDefinition, states map[string]*models.StepState, stepID string) bool {
	for _, dep := range def.DependenciesOf(stepID) {
		state, ok := states[dep]
		if !ok || !state.Status.Satisfied() {
			return false
		}
	}

	return true
}

// Skippable returns, in declaration order, the Waiting steps that can never
// execute because at least one dependency is Failed or Skipped. Callers mark
// the result Skipped and call again: propagation is transitive through the
// fresh skips. Steps that already left Waiting are never re-evaluated.
func Skippable(def *models.WorkflowDefinition, states map[string]*models.StepState) []string {
	skippable := make([]string, 0)

	for _, step := range def.Steps {
		state, ok := states[step.ID]
		if !ok || state.Status != models.StepStatusWaiting {
			continue
		}

		if hasDeadDependency(def, states, step.ID) {
			skippable = append(skippable, step.ID)
		}
	}

	return skippable
}

func hasDeadDependency(def *models.WorkflowDefinition, states map[string]*models.StepState, stepID string) bool {
	for _, dep := range def.DependenciesOf(stepID) {
		state, ok := states[dep]
		if !ok {
			continue
		}

		if state.Status == models.StepStatusFailed || state.Status == models.StepStatusSkipped {
			return true
		}
	}

	return false
}

// Outcome aggregates step states into the run-level status. While any step
// awaits approval the run is Suspended; while any step can still make
// progress the run is Running. Once every step is terminal the run is Failed
// if any step failed, otherwise Completed.
func Outcome(states map[string]*models.StepState) models.RunStatus {
	var (
		anyAwaiting bool
		anyFailed   bool
		allTerminal = true
	)

	for _, state := range states {
		switch state.Status {
		case models.StepStatusAwaitingApproval:
			anyAwaiting = true
			allTerminal = false
		case models.StepStatusFailed:
			anyFailed = true
		case models.StepStatusSucceeded, models.StepStatusSkipped:
		default:
			allTerminal = false
		}
	}

	switch {
	case anyAwaiting:
		return models.RunStatusSuspended
	case !allTerminal:
		return models.RunStatusRunning
	case anyFailed:
		return models.RunStatusFailed
	default:
		return models.RunStatusCompleted
	}
}
