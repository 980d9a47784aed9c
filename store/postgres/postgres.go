/*
Package postgres provides a PostgreSQL-backed implementation of card.Store.

PURPOSE:
  The multi-process backend. Several server instances may share one
  database; all coordination happens in PostgreSQL.

LOCKING:
  AcquireExclusive  -> SELECT ... FOR UPDATE, held until commit/rollback
  AcquireOptimistic -> plain read, SaveCard compares the version column
  SaveCard          -> UPDATE ... WHERE version = $n; 0 rows = conflict

UNIQUENESS:
  ledger_entries.idempotency_key is UNIQUE. A concurrent insert of the same
  key blocks until the owner commits or rolls back, then either fails with
  23505 (reported as card.ErrDuplicateKey) or succeeds.

  InsertPending runs inside a savepoint so the unit of work survives the
  violation and can read the winning entry.

ERRORS:
  23505 unique_violation      -> card.ErrDuplicateKey
  40001 serialization_failure -> card.ErrStorageConflict
  40P01 deadlock_detected     -> card.ErrStorageConflict
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/card-ledger/card"
)

// Store implements card.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ card.Store        = (*Store)(nil)
	_ card.OrphanFinder = (*Store)(nil)
)

// New connects to connString, pings and migrates the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS cards (
		id UUID PRIMARY KEY,
		holder_name TEXT NOT NULL,
		balance NUMERIC(19,4) NOT NULL CHECK (balance >= 0),
		status TEXT NOT NULL,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		card_id UUID NOT NULL REFERENCES cards(id),
		amount NUMERIC(19,4) NOT NULL,
		entry_type TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_card ON ledger_entries(card_id, seq);
	`)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const (
	cardColumns  = "id::text, holder_name, balance::text, status, version, created_at"
	entryColumns = "id::text, card_id::text, amount::text, entry_type, idempotency_key, status, created_at"
)

// =============================================================================
// CARDS
// =============================================================================

func (s *Store) CreateCard(ctx context.Context, c card.Card) error {
	return createCard(ctx, s.pool, c)
}

func createCard(ctx context.Context, q querier, c card.Card) error {
	_, err := q.Exec(ctx, `
		INSERT INTO cards (id, holder_name, balance, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID.String(), c.HolderName, c.Balance.String(), string(c.Status), c.Version, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert card: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetCard(ctx context.Context, id uuid.UUID, _ card.AcquireMode) (card.Card, error) {
	return getCard(ctx, s.pool, id, card.AcquirePlain)
}

func getCard(ctx context.Context, q querier, id uuid.UUID, mode card.AcquireMode) (card.Card, error) {
	query := "SELECT " + cardColumns + " FROM cards WHERE id = $1"
	if mode == card.AcquireExclusive {
		query += " FOR UPDATE"
	}
	c, err := scanCard(q.QueryRow(ctx, query, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return card.Card{}, card.ErrCardNotFound
	}
	if err != nil {
		return card.Card{}, mapError(err)
	}
	return c, nil
}

func (s *Store) SaveCard(ctx context.Context, c card.Card) (card.Card, error) {
	return saveCard(ctx, s.pool, c)
}

func saveCard(ctx context.Context, q querier, c card.Card) (card.Card, error) {
	tag, err := q.Exec(ctx, `
		UPDATE cards SET holder_name = $1, balance = $2, status = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		c.HolderName, c.Balance.String(), string(c.Status), c.ID.String(), c.Version)
	if err != nil {
		return card.Card{}, fmt.Errorf("update card: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := getCard(ctx, q, c.ID, card.AcquirePlain); err != nil {
			return card.Card{}, err
		}
		return card.Card{}, fmt.Errorf("%w: card %s changed since version %d", card.ErrStorageConflict, c.ID, c.Version)
	}
	c.Version++
	return c, nil
}

func (s *Store) DeleteCard(ctx context.Context, id uuid.UUID) error {
	return deleteCard(ctx, s.pool, id)
}

func deleteCard(ctx context.Context, q querier, id uuid.UUID) error {
	tag, err := q.Exec(ctx, "DELETE FROM cards WHERE id = $1", id.String())
	if err != nil {
		return fmt.Errorf("delete card: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return card.ErrCardNotFound
	}
	return nil
}

func (s *Store) ListOrphanCards(ctx context.Context, createdBefore time.Time) ([]card.Card, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+cardColumns+` FROM cards c
		WHERE c.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries e
			WHERE e.card_id = c.id AND e.entry_type = $2)
		ORDER BY c.created_at ASC`,
		createdBefore, string(card.EntryIssuance))
	if err != nil {
		return nil, fmt.Errorf("query orphan cards: %w", err)
	}
	defer rows.Close()

	var cards []card.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func scanCard(row pgx.Row) (card.Card, error) {
	var (
		c       card.Card
		id      string
		balance string
		status  string
	)
	if err := row.Scan(&id, &c.HolderName, &balance, &status, &c.Version, &c.CreatedAt); err != nil {
		return c, err
	}

	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return c, fmt.Errorf("card id %q: %w", id, err)
	}
	if c.Balance, err = decimal.NewFromString(balance); err != nil {
		return c, fmt.Errorf("card %s balance %q: %w", id, balance, err)
	}
	c.Status = card.Status(status)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (s *Store) InsertPending(ctx context.Context, e card.LedgerEntry) error {
	return insertPending(ctx, s.pool, e)
}

func insertPending(ctx context.Context, q querier, e card.LedgerEntry) error {
	sp, err := q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	_, err = sp.Exec(ctx, `
		INSERT INTO ledger_entries
		(id, card_id, amount, entry_type, idempotency_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID.String(), e.CardID.String(), e.Amount.String(), string(e.Type),
		e.IdempotencyKey, string(card.EntryPending), e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return card.ErrDuplicateKey
		}
		return fmt.Errorf("insert ledger entry: %w", mapError(err))
	}
	return sp.Commit(ctx)
}

func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status card.EntryStatus) error {
	return setStatus(ctx, s.pool, id, status)
}

func setStatus(ctx context.Context, q querier, id uuid.UUID, status card.EntryStatus) error {
	tag, err := q.Exec(ctx,
		"UPDATE ledger_entries SET status = $1 WHERE id = $2 AND status = $3",
		string(status), id.String(), string(card.EntryPending))
	if err != nil {
		return fmt.Errorf("update ledger entry: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %s is not pending", card.ErrInvalidTransition, id)
	}
	return nil
}

func (s *Store) FindByKey(ctx context.Context, key string) (card.LedgerEntry, bool, error) {
	return findByKey(ctx, s.pool, key)
}

func findByKey(ctx context.Context, q querier, key string) (card.LedgerEntry, bool, error) {
	e, err := scanEntry(q.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE idempotency_key = $1", key))
	if errors.Is(err, pgx.ErrNoRows) {
		return card.LedgerEntry{}, false, nil
	}
	if err != nil {
		return card.LedgerEntry{}, false, mapError(err)
	}
	return e, true, nil
}

func (s *Store) ListByCard(ctx context.Context, cardID uuid.UUID) ([]card.LedgerEntry, error) {
	return listByCard(ctx, s.pool, cardID)
}

func listByCard(ctx context.Context, q querier, cardID uuid.UUID) ([]card.LedgerEntry, error) {
	rows, err := q.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE card_id = $1 ORDER BY seq ASC", cardID.String())
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []card.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (card.LedgerEntry, error) {
	var (
		e         card.LedgerEntry
		id        string
		cardID    string
		amount    string
		entryType string
		status    string
	)
	if err := row.Scan(&id, &cardID, &amount, &entryType, &e.IdempotencyKey, &status, &e.CreatedAt); err != nil {
		return e, err
	}

	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return e, fmt.Errorf("entry id %q: %w", id, err)
	}
	if e.CardID, err = uuid.Parse(cardID); err != nil {
		return e, fmt.Errorf("entry %s card id %q: %w", id, cardID, err)
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return e, fmt.Errorf("entry %s amount %q: %w", id, amount, err)
	}
	e.Type = card.EntryType(entryType)
	e.Status = card.EntryStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(card.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapError(err))
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) CreateCard(ctx context.Context, c card.Card) error {
	return createCard(ctx, ts.tx, c)
}

func (ts *txStore) GetCard(ctx context.Context, id uuid.UUID, mode card.AcquireMode) (card.Card, error) {
	return getCard(ctx, ts.tx, id, mode)
}

func (ts *txStore) SaveCard(ctx context.Context, c card.Card) (card.Card, error) {
	return saveCard(ctx, ts.tx, c)
}

func (ts *txStore) DeleteCard(ctx context.Context, id uuid.UUID) error {
	return deleteCard(ctx, ts.tx, id)
}

func (ts *txStore) InsertPending(ctx context.Context, e card.LedgerEntry) error {
	return insertPending(ctx, ts.tx, e)
}

func (ts *txStore) SetStatus(ctx context.Context, id uuid.UUID, status card.EntryStatus) error {
	return setStatus(ctx, ts.tx, id, status)
}

func (ts *txStore) FindByKey(ctx context.Context, key string) (card.LedgerEntry, bool, error) {
	return findByKey(ctx, ts.tx, key)
}

func (ts *txStore) ListByCard(ctx context.Context, cardID uuid.UUID) ([]card.LedgerEntry, error) {
	return listByCard(ctx, ts.tx, cardID)
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE ledger_entries, cards")
	return err
}

// =============================================================================
// ERRORS
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapError turns retryable PostgreSQL failures into card.ErrStorageConflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", card.ErrStorageConflict, pgErr.Message)
		}
	}
	return err
}
