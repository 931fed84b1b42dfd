package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/civion/civion/pkg/ledger"
	"github.com/civion/civion/pkg/ledger/memory"
	"github.com/civion/civion/pkg/ledger/postgres"
)

// NewLedger creates the audit ledger backend selected by the URL scheme.
// Anything other than a PostgreSQL URL selects the in-memory ledger, which
// keeps entries only for the lifetime of the process and is meant for
// development.
func NewLedger(ctx context.Context, logger *slog.Logger, ledgerURL string) ledger.Ledger {
	switch parsePersistenceProvider(ledgerURL) {
	case "postgres", "postgresql":
		audit, err := postgres.NewLedger(ctx, logger, ledgerURL)
		if err != nil {
			panic(fmt.Errorf("failed to create PostgreSQL ledger: %w", err))
		}

		return audit
	default:
		return memory.NewLedger()
	}
}
