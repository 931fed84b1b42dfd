package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"

	"github.com/civion/civion/pkg/approvals"
	"github.com/civion/civion/pkg/cmd"
	"github.com/civion/civion/pkg/engine"
	"github.com/civion/civion/pkg/log"
	"github.com/civion/civion/pkg/metrics"
	"github.com/civion/civion/pkg/otelhelper"
	"github.com/civion/civion/pkg/scheduler"
)

const defaultHealthPort = 8090

func main() {
	command := &cli.Command{
		Name:                  "civion-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to execute runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
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
				Name:    "plugins-path",
				Usage:   "Path to the directory containing executor plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Concurrent step executions in this process",
				Value:   scheduler.DefaultWorkers,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.IntFlag{
				Name:    "queue-size",
				Usage:   "Dispatch queue capacity",
				Value:   scheduler.DefaultQueueSize,
				Sources: cli.EnvVars("QUEUE_SIZE"),
			},
			&cli.IntFlag{
				Name:    "health-port",
				Usage:   "Port for the health and metrics endpoint",
				Value:   defaultHealthPort,
				Sources: cli.EnvVars("HEALTH_PORT"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule for ticket expiry, stale rescue and SLA sweeps",
				Value:   scheduler.DefaultSweepSchedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("civion-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Civion Worker")

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

			eng := engine.NewEngine(logger, persist, audit, registry, eventBus, approvalManager, workerID)
			pool := scheduler.NewPool(
				logger,
				eng,
				metrics.NewSchedulerProm("civion"),
				command.Int("workers"),
				command.Int("queue-size"),
			)
			sweeper := scheduler.NewSweeper(logger, eng, approvalManager, persist, pool, scheduler.SweeperConfig{
				Schedule: command.String("sweep-schedule"),
			})

			tracer, err := otelhelper.NewTracer(ctx, "civion-worker")
			if err != nil {
				logger.WarnContext(ctx, "Tracing disabled", "error", err)

				tracer = otel.Tracer("civion-worker")
			}

			worker := NewWorkerManager(
				workerID,
				persist,
				eventBus,
				logger,
				eng,
				pool,
				sweeper,
				metrics.NewRunProm("civion"),
				tracer,
				":"+strconv.Itoa(command.Int("health-port")),
			)

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
