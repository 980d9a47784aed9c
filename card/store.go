/*
store.go - Persistence interfaces for cards and ledger entries

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never sees SQL; it sees these interfaces.

KEY INTERFACES:
  CardStore:  Card records with three acquisition modes
  EntryStore: Ledger entries keyed by a unique idempotency key
  Tx:         Both of the above, bound to one unit of work
  Store:      A Tx usable outside a unit of work, plus WithTx

UNIT OF WORK:
  WithTx runs fn atomically. Returning an error rolls back every write made
  through the Tx, releases exclusive holds, and hands the error back.
  Returning nil commits.

IMPLEMENTATIONS:
  - card/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package card

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CardStore persists cards.
type CardStore interface {
	// CreateCard inserts a new card.
	CreateCard(ctx context.Context, c Card) error

	// GetCard reads a card. Returns ErrCardNotFound if it does not exist.
	GetCard(ctx context.Context, id uuid.UUID, mode AcquireMode) (Card, error)

	// SaveCard writes c if the stored version still equals c.Version and
	// returns the stored card with its bumped version. ErrStorageConflict
	// if the stamp no longer matches.
	SaveCard(ctx context.Context, c Card) (Card, error)

	// DeleteCard removes a card. Only used as the compensating action of a
	// lost issuance race.
	DeleteCard(ctx context.Context, id uuid.UUID) error
}

// EntryStore persists ledger entries.
type EntryStore interface {
	// InsertPending inserts e. ErrDuplicateKey if e.IdempotencyKey exists.
	InsertPending(ctx context.Context, e LedgerEntry) error

	// SetStatus moves a PENDING entry to status. ErrInvalidTransition if the
	// entry is not PENDING anymore.
	SetStatus(ctx context.Context, id uuid.UUID, status EntryStatus) error

	// FindByKey returns the entry for key, found=false if none.
	FindByKey(ctx context.Context, key string) (LedgerEntry, bool, error)

	// ListByCard returns the card's entries in creation order.
	ListByCard(ctx context.Context, cardID uuid.UUID) ([]LedgerEntry, error)
}

// Tx is the view of the store inside one unit of work.
type Tx interface {
	CardStore
	EntryStore
}

// Store is the authoritative store.
type Store interface {
	Tx

	// WithTx executes fn within a unit of work.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// OrphanFinder is implemented by stores that can list cards no ISSUANCE
// entry references.
type OrphanFinder interface {
	ListOrphanCards(ctx context.Context, createdBefore time.Time) ([]Card, error)
}
