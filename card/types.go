/*
Package card provides the card balance engine.

PURPOSE:
  Issues cards, tops them up and spends from them. Every mutation is
  guarded by a client-supplied idempotency key so that retries and
  concurrent duplicate submissions produce exactly one economic effect.

KEY CONCEPTS IN THIS FILE (types.go):
  - Card: A balance record with status and version stamp
  - LedgerEntry: One attempted mutation, keyed by idempotency key
  - EntryType / EntryStatus: The ledger entry state machine vocabulary
  - AcquireMode: How a card is read (plain, optimistic, exclusive)

DESIGN PRINCIPLES:
  1. Precision: Money is decimal.Decimal, never float64
  2. Purity: Credit/Debit return a new Card, the receiver is untouched
  3. One primitive: The unique idempotency key insert orders racing callers

SEE ALSO:
  - store.go: Persistence interfaces
  - coordinator.go: Idempotency key reservation and replay
  - engine.go: Issue / Topup / Spend orchestration
*/
package card

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CARD - Balance record
// =============================================================================

type Status string

// MaxScale is the number of fraction digits every store keeps exactly.
// Amounts with more significant digits are rejected, never rounded.
const MaxScale = 4

const (
	StatusActive  Status = "ACTIVE"
	StatusBlocked Status = "BLOCKED"
)

// Card is a monetary balance. Balance is never negative at any point
// another caller can observe.
type Card struct {
	ID         uuid.UUID
	HolderName string
	Balance    decimal.Decimal
	Status     Status
	Version    int64 // bumped by every successful SaveCard
	CreatedAt  time.Time
}

// NewCard builds a fresh ACTIVE card. It does not persist anything.
func NewCard(holderName string, initial decimal.Decimal, now time.Time) (Card, error) {
	if initial.IsNegative() {
		return Card{}, &AmountError{Amount: initial, Reason: "initial balance cannot be negative"}
	}
	if err := CheckScale(initial); err != nil {
		return Card{}, err
	}
	return Card{
		ID:         uuid.New(),
		HolderName: holderName,
		Balance:    initial,
		Status:     StatusActive,
		Version:    1,
		CreatedAt:  now.UTC(),
	}, nil
}

func (c Card) IsActive() bool { return c.Status == StatusActive }

// Credit returns a copy of c with amount added to the balance.
func (c Card) Credit(amount decimal.Decimal) (Card, error) {
	if err := c.checkMutable(amount); err != nil {
		return c, err
	}
	c.Balance = c.Balance.Add(amount)
	return c, nil
}

// Debit returns a copy of c with amount removed from the balance.
// Fails with *InsufficientBalanceError when amount exceeds the balance.
func (c Card) Debit(amount decimal.Decimal) (Card, error) {
	if err := c.checkMutable(amount); err != nil {
		return c, err
	}
	if amount.GreaterThan(c.Balance) {
		return c, &InsufficientBalanceError{
			CardID:    c.ID,
			Available: c.Balance,
			Requested: amount,
		}
	}
	c.Balance = c.Balance.Sub(amount)
	return c, nil
}

func (c Card) checkMutable(amount decimal.Decimal) error {
	if !c.IsActive() {
		return ErrCardNotActive
	}
	if !amount.IsPositive() {
		return &AmountError{Amount: amount, Reason: "amount must be greater than zero"}
	}
	return CheckScale(amount)
}

// CheckScale rejects amounts that cannot be stored without rounding.
// Trailing zeros do not count: "1.50000" is accepted.
func CheckScale(amount decimal.Decimal) error {
	if amount.Exponent() >= -MaxScale || amount.Equal(amount.Truncate(MaxScale)) {
		return nil
	}
	return &AmountError{Amount: amount, Reason: fmt.Sprintf("at most %d fraction digits allowed", MaxScale)}
}

// AcquireMode selects the locking discipline of a card read.
type AcquireMode int

const (
	// AcquirePlain is an unlocked read.
	AcquirePlain AcquireMode = iota
	// AcquireOptimistic reads the version stamp; the following SaveCard
	// fails with ErrStorageConflict if another writer got there first.
	AcquireOptimistic
	// AcquireExclusive holds the card until the enclosing unit of work ends.
	// Outside WithTx it behaves like AcquirePlain.
	AcquireExclusive
)

func (m AcquireMode) String() string {
	switch m {
	case AcquireOptimistic:
		return "optimistic"
	case AcquireExclusive:
		return "exclusive"
	default:
		return "plain"
	}
}

// =============================================================================
// LEDGER ENTRY - One attempted mutation
// =============================================================================

type EntryType string

const (
	EntryIssuance EntryType = "ISSUANCE"
	EntryTopup    EntryType = "TOPUP"
	EntrySpend    EntryType = "SPEND"
)

type EntryStatus string

const (
	EntryPending  EntryStatus = "PENDING"
	EntrySuccess  EntryStatus = "SUCCESS"
	EntryDeclined EntryStatus = "DECLINED"
)

// IsTerminal reports whether no further transition is allowed.
func (s EntryStatus) IsTerminal() bool {
	return s == EntrySuccess || s == EntryDeclined
}

// LedgerEntry records one attempted mutation, independent of its outcome.
// IdempotencyKey is unique across all entries.
type LedgerEntry struct {
	ID             uuid.UUID
	CardID         uuid.UUID
	Amount         decimal.Decimal
	Type           EntryType
	IdempotencyKey string
	Status         EntryStatus
	CreatedAt      time.Time
}
