/*
errors.go - Centralized error types for the card engine

ERROR CATEGORIES:
  1. Validation errors - bad amounts, inactive cards (client, not retryable)
  2. Business outcomes - insufficient balance (recorded in the ledger first)
  3. Idempotency errors - key reuse (fatal) or in-flight timeout (retryable)
  4. Store errors - duplicate key, stamp mismatch, invalid transition

RETRYABLE:
  Only ErrIdempotencyTimeout and ErrStorageConflict. Retrying re-enters the
  same operation with the same key and never duplicates an effect.

SEE ALSO:
  - coordinator.go: Produces the idempotency errors
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package card

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidAmount = errors.New("invalid amount")

	ErrCardNotFound = errors.New("card not found")

	ErrCardNotActive = errors.New("card is not active")

	// ErrInsufficientBalance is a declared business outcome. Spend records a
	// DECLINED ledger entry before returning it, so replays reproduce it.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrIdempotencyConflict means the key was already used for a different
	// request. Never retry.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request payload")

	// ErrIdempotencyTimeout means an identical request was still in flight
	// when the wait ceiling passed. Retry the whole call with the same key.
	ErrIdempotencyTimeout = errors.New("timed out waiting for in-flight request with same idempotency key")

	// ErrStorageConflict is an optimistic write collision. Retryable.
	ErrStorageConflict = errors.New("concurrent modification detected")

	// ErrDuplicateKey is returned by EntryStore.InsertPending when the
	// idempotency key already exists. The coordinator consumes it.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrInvalidTransition is returned when finalizing an entry that is not
	// PENDING, or finalizing to a non-terminal status.
	ErrInvalidTransition = errors.New("invalid ledger entry transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AmountError describes a rejected amount.
type AmountError struct {
	Amount decimal.Decimal
	Reason string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: %s", e.Amount, e.Reason)
}

func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	CardID    uuid.UUID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on card %s: available %s, requested %s",
		e.CardID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ConflictError names the idempotency key and the field that differed.
type ConflictError struct {
	Key   string
	Field string // "type", "card", "amount", "holder_name"
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q reused with different %s", e.Key, e.Field)
}

func (e *ConflictError) Unwrap() error { return ErrIdempotencyConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole call may be retried with the same key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIdempotencyTimeout) || errors.Is(err, ErrStorageConflict)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrCardNotActive) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrIdempotencyConflict)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrCardNotFound)
}
