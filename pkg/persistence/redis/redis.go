// Package redis provides Redis persistence for definitions, runs and tickets.
// Documents are stored as JSON blobs with sorted-set indexes behind the list
// queries.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// Persistence implements the persistence layer for Redis.
type Persistence struct {
	client         *goredis.Client
	logger         *slog.Logger
	definitionRepo *DefinitionRepository
	runRepo        *RunRepository
	ticketRepo     *TicketRepository
}

// NewPersistence creates a new Redis persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, redisURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Persistence{
		client:         client,
		logger:         logger,
		definitionRepo: NewDefinitionRepository(client),
		runRepo:        NewRunRepository(client),
		ticketRepo:     NewTicketRepository(client),
	}, nil
}

// Definitions returns the definition repository.
func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitionRepo
}

// Runs returns the run repository.
func (p *Persistence) Runs() persistence.RunRepository {
	return p.runRepo
}

// Tickets returns the ticket repository.
func (p *Persistence) Tickets() persistence.TicketRepository {
	return p.ticketRepo
}

// HealthCheck verifies the Redis connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

// Close closes the Redis client.
func (p *Persistence) Close(_ context.Context) error {
	if p.client == nil {
		return nil
	}

	return p.client.Close()
}

func definitionKey(id string, version int) string {
	return "civion:definition:" + id + ":" + strconv.Itoa(version)
}

func definitionVersionsKey(id string) string {
	return "civion:definition-versions:" + id
}

func definitionIndexKey() string {
	return "civion:definitions"
}

func runKey(id string) string {
	return "civion:run:" + id
}

func runAllIndexKey() string {
	return "civion:runs:all"
}

func runDefinitionIndexKey(definitionID string) string {
	return "civion:runs:definition:" + definitionID
}

func runStatusIndexKey(status models.RunStatus) string {
	return "civion:runs:status:" + string(status)
}

func ticketKey(id string) string {
	return "civion:ticket:" + id
}

func ticketStepIndexKey(runID, stepID string) string {
	return "civion:ticket-step:" + runID + ":" + stepID
}

func ticketPendingIndexKey() string {
	return "civion:tickets:pending"
}

func ticketRunPendingIndexKey(runID string) string {
	return "civion:tickets:pending:" + runID
}
