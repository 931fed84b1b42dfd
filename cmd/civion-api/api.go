// Package main provides the Civion API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/authz"
	"github.com/civion/civion/pkg/compliance"
	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/registry"
	"github.com/civion/civion/pkg/services"
	"github.com/civion/civion/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	audit       ledger.Ledger
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	authorizer  authz.Authorizer
	approvals   *approvals.Manager
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	audit ledger.Ledger,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
	authorizer authz.Authorizer,
	approvalManager *approvals.Manager,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		audit:       audit,
		registry:    registry,
		eventBus:    eventBus,
		authorizer:  authorizer,
		approvals:   approvalManager,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	checker := compliance.NewSchemaChecker(a.registry)

	publishingService := services.NewPublishing(a.persistence, a.authorizer, checker)
	runService := services.NewRuns(a.logger, a.persistence, a.audit, a.authorizer, checker, a.eventBus)
	ticketService := services.NewTickets(a.logger, a.persistence, a.approvals, a.authorizer, a.eventBus)

	handlers := web.NewAPIHandlers(publishingService, runService, ticketService, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Civion API")
	})

	d := app.Group("/definitions")
	d.Post("/", handlers.PublishDefinition)
	d.Get("/", handlers.GetDefinitions)
	d.Get("/:id", handlers.GetDefinition)
	d.Get("/:id/versions", handlers.GetDefinitionVersions)

	r := app.Group("/runs")
	r.Post("/", handlers.StartRun)
	r.Get("/", handlers.ListRuns)
	r.Get("/:id", handlers.GetRun)
	r.Post("/:id/cancel", handlers.CancelRun)
	r.Get("/:id/history", handlers.RunHistory)

	t := app.Group("/tickets")
	t.Get("/", handlers.ListTickets)
	t.Get("/:id", handlers.GetTicket)
	t.Post("/:id/decide", handlers.DecideTicket)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
