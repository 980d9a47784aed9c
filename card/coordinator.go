/*
coordinator.go - Idempotency key reservation

PURPOSE:
  Turns "insert a PENDING ledger entry" into the one synchronization
  primitive that orders every caller sharing an idempotency key. The first
  successful insert wins; every other caller classifies what already happened.

RESERVE:
  1. InsertPending succeeds      -> Owned reservation, caller mutates + finalizes
  2. ErrDuplicateKey, mismatch   -> ErrIdempotencyConflict (fatal)
  3. ErrDuplicateKey, terminal   -> not owned, "already executed"
  4. ErrDuplicateKey, PENDING    -> not owned, in flight: caller must end its
                                    unit of work (dropping any card hold) and Await

AWAIT:
  Bounded poll of FindByKey. The sleep function is injectable so tests run
  without wall-clock time. The coordinator keeps no state between calls and
  is safe for any number of concurrent callers.
*/
package card

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxWait      = 5 * time.Second
)

// Intent is what a caller wants to record under an idempotency key.
// CardID owns the entry if it is inserted. For top-up and spend an existing
// entry must belong to the same card; for issuance any card is accepted.
type Intent struct {
	Type   EntryType
	CardID uuid.UUID
	Amount decimal.Decimal
	Key    string
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	Entry LedgerEntry
	Owned bool
}

// InFlight reports whether another call owns the key and has not finalized it.
func (r Reservation) InFlight() bool {
	return !r.Owned && r.Entry.Status == EntryPending
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type CoordinatorConfig struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	Sleep        Sleeper
}

type Coordinator struct {
	ledger       *Ledger
	pollInterval time.Duration
	maxWait      time.Duration
	sleep        Sleeper
}

// NewCoordinator returns a coordinator that polls through ledger. ledger must
// not be bound to a unit of work: Await runs after the caller's has ended.
func NewCoordinator(ledger *Ledger, cfg CoordinatorConfig) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	return &Coordinator{
		ledger:       ledger,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		sleep:        cfg.Sleep,
	}
}

// Reserve claims in.Key through l, the ledger of the caller's unit of work.
func (c *Coordinator) Reserve(ctx context.Context, l *Ledger, in Intent) (Reservation, error) {
	entry, err := l.InsertPending(ctx, in.CardID, in.Type, in.Amount, in.Key)
	if err == nil {
		return Reservation{Entry: entry, Owned: true}, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return Reservation{}, fmt.Errorf("reserve %q: %w", in.Key, err)
	}

	existing, found, err := l.FindByKey(ctx, in.Key)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve %q: %w", in.Key, err)
	}
	if !found {
		// The winner rolled back between our insert and our read.
		return Reservation{}, fmt.Errorf("%w: key %q released by its owner", ErrIdempotencyTimeout, in.Key)
	}
	if err := checkCompatible(existing, in); err != nil {
		return Reservation{}, err
	}
	return Reservation{Entry: existing}, nil
}

// Resolve is the CHECK_KEY step. It returns found=false when the key is
// unknown. Otherwise the existing entry is validated against in and, if
// still PENDING, awaited.
func (c *Coordinator) Resolve(ctx context.Context, in Intent) (LedgerEntry, bool, error) {
	existing, found, err := c.ledger.FindByKey(ctx, in.Key)
	if err != nil || !found {
		return LedgerEntry{}, false, err
	}
	if err := checkCompatible(existing, in); err != nil {
		return LedgerEntry{}, true, err
	}
	if existing.Status == EntryPending {
		existing, err = c.Await(ctx, in.Key)
		if err != nil {
			return LedgerEntry{}, true, err
		}
	}
	return existing, true, nil
}

// Await polls key until its entry leaves PENDING. Callers must not hold a
// card-level lock: the owner may still need it to finish.
func (c *Coordinator) Await(ctx context.Context, key string) (LedgerEntry, error) {
	start := time.Now()
	defer func() { idempotencyWait.Observe(time.Since(start).Seconds()) }()

	attempts := int(c.maxWait / c.pollInterval)
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; ; attempt++ {
		e, found, err := c.ledger.FindByKey(ctx, key)
		if err != nil {
			return LedgerEntry{}, err
		}
		if !found {
			return LedgerEntry{}, fmt.Errorf("%w: key %q released by its owner", ErrIdempotencyTimeout, key)
		}
		if e.Status != EntryPending {
			return e, nil
		}
		if attempt >= attempts {
			return LedgerEntry{}, fmt.Errorf("%w: key %q still pending after %s", ErrIdempotencyTimeout, key, c.maxWait)
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return LedgerEntry{}, err
		}
	}
}

func checkCompatible(existing LedgerEntry, in Intent) error {
	switch {
	case existing.Type != in.Type:
		return &ConflictError{Key: in.Key, Field: "type"}
	case in.Type != EntryIssuance && existing.CardID != in.CardID:
		return &ConflictError{Key: in.Key, Field: "card"}
	case existing.Amount.Cmp(in.Amount) != 0:
		return &ConflictError{Key: in.Key, Field: "amount"}
	}
	return nil
}
