package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/civion/civion/pkg/persistence"
	"github.com/civion/civion/pkg/persistence/file"
	"github.com/civion/civion/pkg/persistence/postgresql"
	"github.com/civion/civion/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql", "redis"}

// NewPersistence creates the persistence backend selected by the database
// URL scheme. URLs without a recognized scheme are treated as filesystem
// paths.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		persist, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create PostgreSQL persistence: %w", err))
		}

		return persist
	case "redis":
		persist, err := redis.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create Redis persistence: %w", err))
		}

		return persist
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
