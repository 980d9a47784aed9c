/*
engine.go - Issue / Topup / Spend orchestration

PURPOSE:
  Combines a card acquisition, the idempotency Coordinator and the balance
  mutation inside one unit of work (Store.WithTx).

STATE MACHINE (per call):
  CHECK_KEY -> REPLAY                      key known: reproduce the outcome
  CHECK_KEY -> RESERVE -> MUTATE -> FINALIZE

LOCKING BY OPERATION:
  Issue:  no lock, the card row does not exist yet. A lost race on the key
          is repaired by deleting the card we just created.
  Topup:  optimistic. Top-ups commute, so a stamp mismatch is retried
          instead of serializing every top-up.
  Spend:  exclusive hold on the card for the whole unit of work. Every debit
          sees all previously committed spends; balance never goes negative.

WAITING:
  When the key is held by an in-flight call, the unit of work ends first
  (releasing any hold) and only then does the Coordinator poll. Waiting
  while holding the card would deadlock against the owner.

CANCELLATION:
  Units of work run detached from the caller's cancellation. A reserved
  PENDING entry is always finalized or rolled back by its owner.
*/
package card

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultConflictRetries = 3

const (
	opIssue = "issue"
	opTopup = "topup"
	opSpend = "spend"
)

type Config struct {
	Coordinator     CoordinatorConfig
	ConflictRetries int // extra attempts after ErrStorageConflict; <0 disables
	Now             func() time.Time
	Logger          *zap.Logger
}

// Engine is the ledger engine. Construct once per process and share.
type Engine struct {
	store   Store
	coord   *Coordinator
	query   *QueryService
	now     func() time.Time
	retries int
	log     *zap.Logger
}

func NewEngine(store Store, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	retries := cfg.ConflictRetries
	if retries == 0 {
		retries = DefaultConflictRetries
	}
	if retries < 0 {
		retries = 0
	}
	return &Engine{
		store:   store,
		coord:   NewCoordinator(NewLedger(store, cfg.Now), cfg.Coordinator),
		query:   NewQueryService(store),
		now:     cfg.Now,
		retries: retries,
		log:     cfg.Logger,
	}
}

// outcome carries the result of a unit of work out of WithTx.
type outcome struct {
	card     Card
	entry    LedgerEntry // the other call's entry when replaying
	replay   bool
	declined error
}

// =============================================================================
// ISSUE
// =============================================================================

// Issue creates a card holding amount, at most once per key.
func (e *Engine) Issue(ctx context.Context, holderName string, amount decimal.Decimal, key string) (Card, error) {
	if amount.IsNegative() {
		return Card{}, e.fail(opIssue, &AmountError{Amount: amount, Reason: "initial balance cannot be negative"})
	}
	if err := CheckScale(amount); err != nil {
		return Card{}, e.fail(opIssue, err)
	}
	in := Intent{Type: EntryIssuance, Amount: amount, Key: key}

	entry, found, err := e.coord.Resolve(ctx, in)
	if err != nil {
		return Card{}, e.fail(opIssue, err)
	}
	if found {
		return e.replayIssue(ctx, entry, holderName)
	}

	var out outcome
	uow := context.WithoutCancel(ctx)
	err = e.store.WithTx(uow, func(tx Tx) error {
		c, err := NewCard(holderName, amount, e.now())
		if err != nil {
			return err
		}
		if err := tx.CreateCard(uow, c); err != nil {
			return fmt.Errorf("create card: %w", err)
		}

		in.CardID = c.ID
		res, err := e.coord.Reserve(uow, NewLedger(tx, e.now), in)
		if err != nil {
			return err
		}
		if !res.Owned {
			// A concurrent issuance won the key: our card must not survive.
			if res.Entry.CardID != c.ID {
				if err := tx.DeleteCard(uow, c.ID); err != nil {
					return fmt.Errorf("compensate issuance of card %s: %w", c.ID, err)
				}
			}
			out = outcome{entry: res.Entry, replay: true}
			return nil
		}

		if _, err := NewLedger(tx, e.now).Finalize(uow, res.Entry, EntrySuccess); err != nil {
			return err
		}
		out = outcome{card: c}
		return nil
	})
	if err != nil {
		return Card{}, e.fail(opIssue, err)
	}

	if out.replay {
		entry, err := e.settle(ctx, out.entry)
		if err != nil {
			return Card{}, e.fail(opIssue, err)
		}
		return e.replayIssue(ctx, entry, holderName)
	}

	operationsTotal.WithLabelValues(opIssue, outcomeSuccess).Inc()
	e.log.Info("issued card",
		zap.String("card_id", out.card.ID.String()),
		zap.String("amount", amount.String()),
		zap.String("idempotency_key", key))
	return out.card, nil
}

func (e *Engine) replayIssue(ctx context.Context, entry LedgerEntry, holderName string) (Card, error) {
	c, err := e.store.GetCard(ctx, entry.CardID, AcquirePlain)
	if err != nil {
		return Card{}, e.fail(opIssue, err)
	}
	if c.HolderName != holderName {
		return Card{}, e.fail(opIssue, &ConflictError{Key: entry.IdempotencyKey, Field: "holder_name"})
	}
	e.replayed(opIssue, entry)
	return c, nil
}

// =============================================================================
// GET
// =============================================================================

func (e *Engine) GetCard(ctx context.Context, id uuid.UUID) (Card, error) {
	return e.store.GetCard(ctx, id, AcquirePlain)
}

// =============================================================================
// TOPUP
// =============================================================================

// Topup credits amount to the card, at most once per key.
func (e *Engine) Topup(ctx context.Context, id uuid.UUID, amount decimal.Decimal, key string) (Card, error) {
	if !amount.IsPositive() {
		return Card{}, e.fail(opTopup, &AmountError{Amount: amount, Reason: "amount must be greater than zero"})
	}
	if err := CheckScale(amount); err != nil {
		return Card{}, e.fail(opTopup, err)
	}
	in := Intent{Type: EntryTopup, CardID: id, Amount: amount, Key: key}

	c, err := e.withRetry(ctx, opTopup, func() (Card, error) { return e.topupOnce(ctx, in) })
	if err != nil {
		return Card{}, e.fail(opTopup, err)
	}
	return c, nil
}

func (e *Engine) topupOnce(ctx context.Context, in Intent) (Card, error) {
	entry, found, err := e.coord.Resolve(ctx, in)
	if err != nil {
		return Card{}, err
	}
	if found {
		return e.replayTopup(ctx, entry)
	}

	var out outcome
	uow := context.WithoutCancel(ctx)
	err = e.store.WithTx(uow, func(tx Tx) error {
		c, err := tx.GetCard(uow, in.CardID, AcquireOptimistic)
		if err != nil {
			return err
		}
		if !c.IsActive() {
			return ErrCardNotActive
		}

		ledger := NewLedger(tx, e.now)
		res, err := e.coord.Reserve(uow, ledger, in)
		if err != nil {
			return err
		}
		if !res.Owned {
			out = outcome{entry: res.Entry, replay: true}
			return nil
		}

		credited, err := c.Credit(in.Amount)
		if err != nil {
			return err
		}
		saved, err := tx.SaveCard(uow, credited)
		if err != nil {
			return err
		}
		if _, err := ledger.Finalize(uow, res.Entry, EntrySuccess); err != nil {
			return err
		}
		out = outcome{card: saved}
		return nil
	})
	if err != nil {
		return Card{}, err
	}

	if out.replay {
		entry, err := e.settle(ctx, out.entry)
		if err != nil {
			return Card{}, err
		}
		return e.replayTopup(ctx, entry)
	}

	operationsTotal.WithLabelValues(opTopup, outcomeSuccess).Inc()
	e.log.Info("topup succeeded",
		zap.String("card_id", in.CardID.String()),
		zap.String("amount", in.Amount.String()),
		zap.String("idempotency_key", in.Key))
	return out.card, nil
}

func (e *Engine) replayTopup(ctx context.Context, entry LedgerEntry) (Card, error) {
	c, err := e.store.GetCard(ctx, entry.CardID, AcquirePlain)
	if err != nil {
		return Card{}, err
	}
	e.replayed(opTopup, entry)
	return c, nil
}

// =============================================================================
// SPEND
// =============================================================================

// Spend debits amount from the card, at most once per key. A spend beyond
// the balance is recorded DECLINED and returns ErrInsufficientBalance; the
// same key replays that decision.
func (e *Engine) Spend(ctx context.Context, id uuid.UUID, amount decimal.Decimal, key string) (Card, error) {
	if !amount.IsPositive() {
		return Card{}, e.fail(opSpend, &AmountError{Amount: amount, Reason: "amount must be greater than zero"})
	}
	if err := CheckScale(amount); err != nil {
		return Card{}, e.fail(opSpend, err)
	}
	in := Intent{Type: EntrySpend, CardID: id, Amount: amount, Key: key}

	c, err := e.withRetry(ctx, opSpend, func() (Card, error) { return e.spendOnce(ctx, in) })
	if errors.Is(err, ErrInsufficientBalance) {
		return Card{}, err
	}
	if err != nil {
		return Card{}, e.fail(opSpend, err)
	}
	return c, nil
}

func (e *Engine) spendOnce(ctx context.Context, in Intent) (Card, error) {
	entry, found, err := e.coord.Resolve(ctx, in)
	if err != nil {
		return Card{}, err
	}
	if found {
		return e.replaySpend(ctx, entry)
	}

	var out outcome
	uow := context.WithoutCancel(ctx)
	err = e.store.WithTx(uow, func(tx Tx) error {
		c, err := tx.GetCard(uow, in.CardID, AcquireExclusive)
		if err != nil {
			return err
		}
		if !c.IsActive() {
			return ErrCardNotActive
		}

		ledger := NewLedger(tx, e.now)
		res, err := e.coord.Reserve(uow, ledger, in)
		if err != nil {
			return err
		}
		if !res.Owned {
			out = outcome{entry: res.Entry, replay: true}
			return nil
		}

		debited, err := c.Debit(in.Amount)
		if errors.Is(err, ErrInsufficientBalance) {
			// Record the decision, keep the card untouched, commit.
			if _, ferr := ledger.Finalize(uow, res.Entry, EntryDeclined); ferr != nil {
				return ferr
			}
			out = outcome{card: c, declined: err}
			return nil
		}
		if err != nil {
			return err
		}
		saved, err := tx.SaveCard(uow, debited)
		if err != nil {
			return err
		}
		if _, err := ledger.Finalize(uow, res.Entry, EntrySuccess); err != nil {
			return err
		}
		out = outcome{card: saved}
		return nil
	})
	if err != nil {
		return Card{}, err
	}

	if out.replay {
		entry, err := e.settle(ctx, out.entry)
		if err != nil {
			return Card{}, err
		}
		return e.replaySpend(ctx, entry)
	}
	if out.declined != nil {
		operationsTotal.WithLabelValues(opSpend, outcomeDeclined).Inc()
		e.log.Warn("spend declined",
			zap.String("card_id", in.CardID.String()),
			zap.String("amount", in.Amount.String()),
			zap.String("idempotency_key", in.Key),
			zap.String("reason", "INSUFFICIENT_BALANCE"))
		return Card{}, out.declined
	}

	operationsTotal.WithLabelValues(opSpend, outcomeSuccess).Inc()
	e.log.Info("spend succeeded",
		zap.String("card_id", in.CardID.String()),
		zap.String("amount", in.Amount.String()),
		zap.String("idempotency_key", in.Key))
	return out.card, nil
}

func (e *Engine) replaySpend(ctx context.Context, entry LedgerEntry) (Card, error) {
	e.replayed(opSpend, entry)
	if entry.Status == EntryDeclined {
		return Card{}, fmt.Errorf("%w: spend %q was declined", ErrInsufficientBalance, entry.IdempotencyKey)
	}
	return e.store.GetCard(ctx, entry.CardID, AcquirePlain)
}

// =============================================================================
// QUERY
// =============================================================================

func (e *Engine) ListTransactions(ctx context.Context, id uuid.UUID) ([]LedgerEntry, error) {
	return e.query.ListTransactions(ctx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

// settle waits for an entry owned by another call. Must run outside WithTx.
func (e *Engine) settle(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if entry.Status != EntryPending {
		return entry, nil
	}
	return e.coord.Await(ctx, entry.IdempotencyKey)
}

func (e *Engine) withRetry(ctx context.Context, op string, fn func() (Card, error)) (Card, error) {
	for attempt := 0; ; attempt++ {
		c, err := fn()
		if !errors.Is(err, ErrStorageConflict) {
			return c, err
		}
		storageConflicts.WithLabelValues(op).Inc()
		if attempt >= e.retries || ctx.Err() != nil {
			return c, err
		}
		e.log.Debug("retrying after storage conflict",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1))
	}
}

func (e *Engine) replayed(op string, entry LedgerEntry) {
	operationsTotal.WithLabelValues(op, outcomeReplay).Inc()
	e.log.Info("idempotent replay",
		zap.String("operation", op),
		zap.String("card_id", entry.CardID.String()),
		zap.String("status", string(entry.Status)),
		zap.String("idempotency_key", entry.IdempotencyKey))
}

func (e *Engine) fail(op string, err error) error {
	operationsTotal.WithLabelValues(op, outcomeError).Inc()
	if !IsClientError(err) && !IsNotFound(err) {
		e.log.Error("operation failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}
