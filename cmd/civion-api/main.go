package main

import (
	"context"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/cmd"
	"github.com/civion/civion/pkg/log"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "civion-api",
		Usage:                 "Publish workflow definitions and manage runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
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
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker addresses",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:  "plugins-path",
				Usage: "Path to the directory containing executor plugins",
				Value: "./plugins",
			},
			&cli.StringFlag{
				Name:    "authz-rules",
				Usage:   "Comma-separated actor:action:resource grants; empty allows every caller",
				Sources: cli.EnvVars("AUTHZ_RULES"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Civion API")

			databaseURL := command.String("database-url")

			ledgerURL := command.String("ledger-url")
			if ledgerURL == "" {
				ledgerURL = databaseURL
			}

			persist := cmd.NewPersistence(ctx, logger, databaseURL)
			defer func() {
				if err := persist.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			audit := cmd.NewLedger(ctx, logger, ledgerURL)
			defer func() {
				if err := audit.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close ledger", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(
				command.String("event-bus"),
				strings.Split(command.String("kafka-brokers"), ","),
				logger,
			)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			approvalManager := approvals.NewManager(logger, persist.Tickets(), audit)
			registry := cmd.NewRegistry(logger, command.String("plugins-path"), approvalManager)
			authorizer := cmd.NewAuthorizer(command.String("authz-rules"))

			api := NewAPI(
				logger,
				persist,
				audit,
				registry,
				eventBus,
				authorizer,
				approvalManager,
			)

			err := api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
