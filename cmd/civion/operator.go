package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/authz"
	"github.com/civion/civion/pkg/cmd"
	"github.com/civion/civion/pkg/compliance"
	"github.com/civion/civion/pkg/config"
	"github.com/civion/civion/pkg/dag"
	"github.com/civion/civion/pkg/eventbus"
	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/log"
	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/registry"
	"github.com/civion/civion/pkg/services"
)

func definitionFileFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "Path to a YAML or JSON workflow definition file",
		Required: true,
	}
}

func actorFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "actor",
		Usage:   "Actor recorded on audit entries and checked against authorization rules",
		Value:   "operator",
		Sources: cli.EnvVars("CIVION_ACTOR"),
	}
}

func pluginsPathFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "plugins-path",
		Usage:   "Path to the directory containing executor plugins",
		Value:   "./plugins",
		Sources: cli.EnvVars("PLUGINS_PATH"),
	}
}

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "ledger-url",
			Usage:   "Audit ledger connection URL; defaults to the database URL",
			Sources: cli.EnvVars("LEDGER_URL"),
		},
		&cli.StringFlag{
			Name:    "authz-rules",
			Usage:   "Comma-separated actor:action:resource grants; empty allows every caller",
			Sources: cli.EnvVars("AUTHZ_RULES"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "error",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func busFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus provider (kafka, memory); only kafka reaches workers in other processes",
			Value:   "memory",
			Sources: cli.EnvVars("EVENT_BUS"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma-separated Kafka broker addresses",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
	}
}

// operator bundles the backend stack for one CLI invocation.
type operator struct {
	logger     *slog.Logger
	persist    persistence.Persistence
	audit      ledger.Ledger
	bus        eventbus.EventBus
	approvals  *approvals.Manager
	registry   *registry.Registry
	authorizer authz.Authorizer
}

// newOperator wires persistence, ledger, registry and authorization from the
// command's flags. The event bus is wired separately because only commands
// that notify workers need a broker connection.
func newOperator(ctx context.Context, command *cli.Command) *operator {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("cli")

	databaseURL := command.String("database-url")

	ledgerURL := command.String("ledger-url")
	if ledgerURL == "" {
		ledgerURL = databaseURL
	}

	persist := cmd.NewPersistence(ctx, logger, databaseURL)
	audit := cmd.NewLedger(ctx, logger, ledgerURL)
	manager := approvals.NewManager(logger, persist.Tickets(), audit)

	return &operator{
		logger:     logger,
		persist:    persist,
		audit:      audit,
		approvals:  manager,
		registry:   cmd.NewRegistry(logger, command.String("plugins-path"), manager),
		authorizer: cmd.NewAuthorizer(command.String("authz-rules")),
	}
}

func (o *operator) connectBus(command *cli.Command) {
	o.bus = cmd.NewEventBus(
		command.String("event-bus"),
		strings.Split(command.String("kafka-brokers"), ","),
		o.logger,
	)
}

func (o *operator) close(ctx context.Context) {
	if o.bus != nil {
		if err := o.bus.Close(); err != nil {
			o.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if err := o.audit.Close(ctx); err != nil {
		o.logger.ErrorContext(ctx, "Failed to close ledger", "error", err)
	}

	if err := o.persist.Close(ctx); err != nil {
		o.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}

// validateDefinition checks a definition file the same way publishing does,
// without touching any backend.
func validateDefinition(ctx context.Context, command *cli.Command) error {
	def, err := config.LoadDefinition(command.String("file"))
	if err != nil {
		return err
	}

	err = dag.Validate(def)
	if err != nil {
		return err
	}

	// Executors are never run during validation, so the approval factory
	// needs no ticket backend.
	reg := cmd.NewRegistry(log.WithModule("cli"), command.String("plugins-path"), nil)
	checker := compliance.NewSchemaChecker(reg)

	allow, findings, err := checker.Validate(ctx, def)
	if err != nil {
		return err
	}

	for _, finding := range findings {
		fmt.Fprintln(os.Stderr, finding.String())
	}

	if !allow {
		return fmt.Errorf("definition %s has %d findings", def.ID, len(findings))
	}

	fmt.Printf("%s: %d steps, ok\n", def.ID, len(def.Steps))

	return nil
}

func publishDefinition(ctx context.Context, command *cli.Command) error {
	def, err := config.LoadDefinition(command.String("file"))
	if err != nil {
		return err
	}

	o := newOperator(ctx, command)
	defer o.close(ctx)

	publishing := services.NewPublishing(o.persist, o.authorizer, compliance.NewSchemaChecker(o.registry))

	published, err := publishing.PublishDefinition(ctx, command.String("actor"), def)
	if err != nil {
		return err
	}

	fmt.Printf("published %s version %d\n", published.ID, published.Version)

	return nil
}

func startRun(ctx context.Context, command *cli.Command) error {
	var input map[string]any

	if raw := command.String("input"); raw != "" {
		err := json.Unmarshal([]byte(raw), &input)
		if err != nil {
			return fmt.Errorf("failed to parse input JSON: %w", err)
		}
	}

	o := newOperator(ctx, command)
	defer o.close(ctx)

	o.connectBus(command)

	runs := services.NewRuns(o.logger, o.persist, o.audit, o.authorizer,
		compliance.NewSchemaChecker(o.registry), o.bus)

	run, err := runs.StartRun(ctx, services.StartRunRequest{
		DefinitionID: command.String("definition-id"),
		Version:      command.Int("version"),
		Input:        input,
		Actor:        command.String("actor"),
	})
	if err != nil {
		return err
	}

	fmt.Println(run.ID)

	return nil
}

func decideTicket(ctx context.Context, command *cli.Command) error {
	o := newOperator(ctx, command)
	defer o.close(ctx)

	o.connectBus(command)

	tickets := services.NewTickets(o.logger, o.persist, o.approvals, o.authorizer, o.bus)

	ticket, err := tickets.DecideTicket(ctx, services.DecideTicketRequest{
		TicketID: command.String("ticket"),
		Decision: command.String("decision"),
		Actor:    command.String("actor"),
		Comment:  command.String("comment"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("ticket %s %s\n", ticket.ID, ticket.Decision)

	return nil
}
