package web

import (
	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps service layer errors onto RFC 7807 problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case services.IsAuthorizationDenied(err):
		problem := problems.NewStatusProblem(403).
			WithInstance(c.Path()).
			WithType("authorization_denied").
			WithDetail(err.Error())

		return c.Status(fiber.StatusForbidden).JSON(problem)

	case persistence.IsDefinitionNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("definition_not_found").
			WithDetail("definition not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case persistence.IsRunNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("run_not_found").
			WithDetail("run not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case persistence.IsTicketNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("ticket_not_found").
			WithDetail("ticket not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case services.IsComplianceBlocked(err):
		// The detail carries the individual findings so callers can see
		// which steps were rejected and why.
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("compliance_blocked").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	default:
		return internalError(c, err)
	}
}
