// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates no definition exists for the given ID and version.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrVersionConflict indicates a definition version is already published.
	ErrVersionConflict = errors.New("definition version already published")

	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrTicketNotFound indicates an approval ticket was not found.
	ErrTicketNotFound = errors.New("approval ticket not found")
)

// DefinitionError wraps definition-related errors with additional context.
type DefinitionError struct {
	Op           string // Operation being performed (e.g., "Get", "Save")
	DefinitionID string // Definition ID if applicable
	Version      int    // Definition version if applicable
	Err          error  // Underlying error
}

func (e *DefinitionError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s operation failed for definition %s v%d: %v", e.Op, e.DefinitionID, e.Version, e.Err)
	}

	return fmt.Sprintf("%s operation failed for definition %s: %v", e.Op, e.DefinitionID, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for definition errors.
func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDefinitionError creates a new definition error with context.
func NewDefinitionError(op, definitionID string, version int, err error) *DefinitionError {
	return &DefinitionError{
		Op:           op,
		DefinitionID: definitionID,
		Version:      version,
		Err:          err,
	}
}

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op    string // Operation being performed
	RunID string // Run ID
	Err   error  // Underlying error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{
		Op:    op,
		RunID: runID,
		Err:   err,
	}
}

// TicketError wraps ticket-related errors with additional context.
type TicketError struct {
	Op       string // Operation being performed
	TicketID string // Ticket ID
	Err      error  // Underlying error
}

func (e *TicketError) Error() string {
	return fmt.Sprintf("%s operation failed for ticket %s: %v", e.Op, e.TicketID, e.Err)
}

func (e *TicketError) Unwrap() error {
	return e.Err
}

func (e *TicketError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTicketError creates a new ticket error with context.
func NewTicketError(op, ticketID string, err error) *TicketError {
	return &TicketError{
		Op:       op,
		TicketID: ticketID,
		Err:      err,
	}
}

// IsDefinitionNotFound checks if an error indicates a definition was not found.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsVersionConflict checks if an error indicates a definition version collision.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsTicketNotFound checks if an error indicates a ticket was not found.
func IsTicketNotFound(err error) bool {
	return errors.Is(err, ErrTicketNotFound)
}
