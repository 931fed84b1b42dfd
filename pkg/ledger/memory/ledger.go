// Package memory provides an in-process ledger for tests and development.
package memory

import (
	"context"
	"sync"

	"github.com/civion/civion/pkg/ledger"
)

// Ledger keeps audit entries in memory, sequenced per run.
type Ledger struct {
	mu      sync.Mutex
	entries map[string][]*ledger.Entry
	seqs    map[string]int64
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string][]*ledger.Entry),
		seqs:    make(map[string]int64),
	}
}

// Append assigns the next per-run sequence number and stores a copy of the
// entry.
func (l *Ledger) Append(_ context.Context, entry *ledger.Entry) error {
	if entry.RunID == "" {
		return ledger.ErrEmptyRunID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seqs[entry.RunID]++
	entry.Seq = l.seqs[entry.RunID]

	stored := *entry
	l.entries[entry.RunID] = append(l.entries[entry.RunID], &stored)

	return nil
}

// Query returns the run's entries in append order.
func (l *Ledger) Query(_ context.Context, runID string) ([]*ledger.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := l.entries[runID]
	result := make([]*ledger.Entry, len(stored))

	for i, entry := range stored {
		clone := *entry
		result[i] = &clone
	}

	return result, nil
}

// HealthCheck always succeeds for the in-memory backend.
func (l *Ledger) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory backend.
func (l *Ledger) Close(_ context.Context) error {
	return nil
}
