// Package store defines the persistence interface for protocol accounts
// and the event journal. Implementations include PostgreSQL (source of
// truth), SQLite (single node), Redis (read-through cache) and in-memory
// (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/perp-engine/internal/model"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("store: not found")

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Action string
	Market string
	Limit  int
}

// Store is the persistence interface. Accounts are written in batches,
// one per committed transaction.
type Store interface {
	// --- Accounts ---

	// ApplyAccounts upserts put and removes deleted in one batch.
	ApplyAccounts(ctx context.Context, put []model.Account, deleted []string) error

	// GetAccount retrieves an account by address.
	GetAccount(ctx context.Context, address string) (*model.Account, error)

	// ListAccounts returns every account of a kind, ordered by address.
	// An empty kind lists all accounts.
	ListAccounts(ctx context.Context, kind string) ([]model.Account, error)

	// --- Event journal ---

	// InsertEvent appends an immutable event.
	InsertEvent(ctx context.Context, e *model.Event) error

	// ListEvents returns events, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error)
}

func (f EventFilter) match(e *model.Event) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Market != "" && e.Market != f.Market {
		return false
	}
	return true
}
