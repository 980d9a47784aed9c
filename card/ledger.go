/*
ledger.go - Ledger entry state machine

PURPOSE:
  Every issue, top-up and spend attempt is recorded as a LedgerEntry.
  The entry is created PENDING by the call that wins the insertion race for
  its idempotency key and finalized exactly once by that same call.

STATE MACHINE:
  PENDING -> SUCCESS
  PENDING -> DECLINED
  Nothing else. A terminal entry never changes again.

UNIQUENESS:
  Enforced at insertion time by the store, never checked after the fact.
  ErrDuplicateKey is the coordination signal consumed by the Coordinator.
*/
package card

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger wraps an EntryStore with the entry state machine.
type Ledger struct {
	store EntryStore
	now   func() time.Time
}

func NewLedger(store EntryStore, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// InsertPending creates a PENDING entry for key. Returns ErrDuplicateKey if
// any entry already holds the key.
func (l *Ledger) InsertPending(ctx context.Context, cardID uuid.UUID, typ EntryType, amount decimal.Decimal, key string) (LedgerEntry, error) {
	if key == "" {
		return LedgerEntry{}, fmt.Errorf("insert pending %s: empty idempotency key", typ)
	}
	if cardID == uuid.Nil {
		return LedgerEntry{}, fmt.Errorf("insert pending %s: entry needs an owning card", typ)
	}
	e := LedgerEntry{
		ID:             uuid.New(),
		CardID:         cardID,
		Amount:         amount,
		Type:           typ,
		IdempotencyKey: key,
		Status:         EntryPending,
		CreatedAt:      l.now().UTC(),
	}
	if err := l.store.InsertPending(ctx, e); err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

// Finalize moves e to a terminal status and returns the updated entry.
func (l *Ledger) Finalize(ctx context.Context, e LedgerEntry, status EntryStatus) (LedgerEntry, error) {
	if !status.IsTerminal() {
		return e, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, status)
	}
	if e.Status != EntryPending {
		return e, fmt.Errorf("%w: entry %s already %s", ErrInvalidTransition, e.ID, e.Status)
	}
	if err := l.store.SetStatus(ctx, e.ID, status); err != nil {
		return e, err
	}
	e.Status = status
	return e, nil
}

func (l *Ledger) FindByKey(ctx context.Context, key string) (LedgerEntry, bool, error) {
	return l.store.FindByKey(ctx, key)
}

func (l *Ledger) ListByCard(ctx context.Context, cardID uuid.UUID) ([]LedgerEntry, error) {
	return l.store.ListByCard(ctx, cardID)
}
