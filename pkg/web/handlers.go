// Package web provides HTTP handlers and REST API endpoints for the
// orchestration control plane.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/registry"
	"github.com/civion/civion/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// actorHeader carries the caller identity asserted by the edge proxy.
// Authorization decisions key on it; an absent header is an anonymous call.
const actorHeader = "X-Actor"

type APIHandlers struct {
	publishingService *services.Publishing
	runService        *services.Runs
	ticketService     *services.Tickets
	validator         *validator.Validate
	registry          *registry.Registry
}

func NewAPIHandlers(
	publishingService *services.Publishing,
	runService *services.Runs,
	ticketService *services.Tickets,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		publishingService: publishingService,
		runService:        runService,
		ticketService:     ticketService,
		validator:         validator,
		registry:          registry,
	}
}

func (h *APIHandlers) PublishDefinition(c fiber.Ctx) error {
	var def models.WorkflowDefinition
	if err := c.Bind().JSON(&def); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(def); err != nil {
		return badRequest(c, err.Error())
	}

	published, err := h.publishingService.PublishDefinition(c.Context(), c.Get(actorHeader), &def)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(published)
}

func (h *APIHandlers) GetDefinitions(c fiber.Ctx) error {
	definitions, err := h.publishingService.ListDefinitions(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"definitions": definitions,
		"count":       len(definitions),
	})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	// Version zero resolves to the latest published version.
	version := 0

	if versionStr := c.Query("version"); versionStr != "" {
		parsed, err := strconv.Atoi(versionStr)
		if err != nil || parsed < 1 {
			return badRequest(c, "Invalid version: must be a positive integer")
		}

		version = parsed
	}

	definition, err := h.publishingService.GetDefinition(c.Context(), id, version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) GetDefinitionVersions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	versions, err := h.publishingService.DefinitionVersions(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"versions": versions,
		"count":    len(versions),
	})
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.runService.StartRun(c.Context(), services.StartRunRequest{
		DefinitionID: req.DefinitionID,
		Version:      req.Version,
		Input:        req.Input,
		Actor:        c.Get(actorHeader),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(StartRunResponse{
		RunID:  run.ID,
		Status: string(run.Status),
	})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.runService.GetRun(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	req, err := h.parseListRunsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	runs, err := h.runService.ListRuns(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":  runs,
		"count": len(runs),
	})
}

// parseListRunsRequest parses and validates query parameters for listing runs.
func (h *APIHandlers) parseListRunsRequest(c fiber.Ctx) (*services.ListRunsRequest, error) {
	req := &services.ListRunsRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	req.DefinitionID = c.Query("definition_id")
	req.Status = c.Query("status")

	return req, nil
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	// The body is optional; cancelling without a reason is allowed.
	var req CancelRunRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	err := h.runService.CancelRun(c.Context(), id, c.Get(actorHeader), req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) RunHistory(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	entries, err := h.runService.RunHistory(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"run_id":  id,
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *APIHandlers) DecideTicket(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Ticket ID is required")
	}

	var req DecideTicketRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	ticket, err := h.ticketService.DecideTicket(c.Context(), services.DecideTicketRequest{
		TicketID: id,
		Decision: req.Decision,
		Actor:    req.Actor,
		Comment:  req.Comment,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ticket)
}

func (h *APIHandlers) GetTicket(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Ticket ID is required")
	}

	ticket, err := h.ticketService.GetTicket(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ticket)
}

func (h *APIHandlers) ListTickets(c fiber.Ctx) error {
	// Decided tickets are reachable through run history; the collection
	// endpoint only serves the pending queue.
	pending, err := strconv.ParseBool(c.Query("pending"))
	if err != nil || !pending {
		return badRequest(c, "Only pending tickets can be listed: pass pending=true")
	}

	tickets, err := h.ticketService.ListPendingTickets(c.Context(), c.Query("run_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"tickets": tickets,
		"count":   len(tickets),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	storageCheck, storeOk := h.runService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Civion API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && storeOk {
		status = "healthy"
		message = "Civion API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry": registryCheck,
			"storage":  storageCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
