// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/compliance"
	"github.com/civion/civion/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidStatus        = errors.New("invalid run status")
	ErrDefinitionNil        = errors.New("definition cannot be nil")
	ErrDefinitionIDRequired = errors.New("definition ID is required")
	ErrNameRequired         = errors.New("definition name is required")
	ErrStepsRequired        = errors.New("definition must have at least one step")
	ErrInvalidGraph         = errors.New("definition graph is invalid")

	// Authorization Denials (403 Forbidden).
	ErrForbidden = errors.New("actor is not authorized")

	// Business Logic Conflicts (409 Conflict).
	ErrRunFinished = errors.New("run already finished")

	// Compliance Blocks (422 Unprocessable Entity).
	ErrComplianceBlocked = errors.New("definition blocked by compliance policy")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ComplianceError carries the findings that blocked a definition. It
// matches ErrComplianceBlocked under errors.Is so handlers can map it
// without losing the finding detail.
type ComplianceError struct {
	Findings []compliance.Finding
}

func (e *ComplianceError) Error() string {
	if len(e.Findings) == 0 {
		return ErrComplianceBlocked.Error()
	}

	messages := make([]string, 0, len(e.Findings))
	for _, finding := range e.Findings {
		messages = append(messages, finding.String())
	}

	return ErrComplianceBlocked.Error() + ": " + strings.Join(messages, "; ")
}

func (e *ComplianceError) Is(target error) bool {
	return target == ErrComplianceBlocked
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrDefinitionNil) ||
		errors.Is(err, ErrDefinitionIDRequired) ||
		errors.Is(err, ErrNameRequired) ||
		errors.Is(err, ErrStepsRequired) ||
		errors.Is(err, ErrInvalidGraph) ||
		errors.Is(err, approvals.ErrInvalidDecision)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrRunFinished) ||
		errors.Is(err, persistence.ErrVersionConflict) ||
		errors.Is(err, approvals.ErrConflictingDecision)
}

// IsAuthorizationDenied checks if an error is an authorization denial that should return HTTP 403.
func IsAuthorizationDenied(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsComplianceBlocked checks if an error is a compliance block that should return HTTP 422.
func IsComplianceBlocked(err error) bool {
	return errors.Is(err, ErrComplianceBlocked)
}

// IsNotFound checks if an error indicates a missing definition, run or ticket (HTTP 404).
func IsNotFound(err error) bool {
	return persistence.IsDefinitionNotFound(err) ||
		persistence.IsRunNotFound(err) ||
		persistence.IsTicketNotFound(err)
}
