/*
Package sqlite provides a SQLite-backed implementation of card.Store.

PURPOSE:
  Persists cards and ledger entries in a single SQLite file. Suitable for a
  single-process deployment; PostgreSQL (store/postgres) is the multi-process
  backend.

KEY TABLES:
  cards:          One row per card, balance stored as decimal TEXT
  ledger_entries: One row per attempted mutation; idempotency_key is UNIQUE

UNIQUENESS:
  The UNIQUE constraint on ledger_entries.idempotency_key is the coordination
  primitive. A violation is reported as card.ErrDuplicateKey.

CONCURRENCY:
  SQLite allows one writer. WithTx holds the store's write lock for the whole
  unit of work, so every unit of work is serialized and an exclusive read
  needs no extra locking. Reads outside WithTx take the read lock.

  The pool is capped at one connection. ":memory:" databases are
  per-connection, and a single connection also keeps WAL writers from
  fighting over SQLITE_BUSY.

USAGE:
  store, err := sqlite.New("./data/cards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := card.NewEngine(store, card.Config{})

SEE ALSO:
  - card/store.go: Interface definitions
  - card/store/memory.go: In-memory implementation for testing
  - store/postgres: Row-locking implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/card-ledger/card"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements card.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ card.Store        = (*Store)(nil)
	_ card.OrphanFinder = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		holder_name TEXT NOT NULL,
		balance TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cards_created_at ON cards(created_at);

	-- seq preserves insertion order for history queries
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		card_id TEXT NOT NULL REFERENCES cards(id),
		amount TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_card ON ledger_entries(card_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CARDS
// =============================================================================

func (s *Store) CreateCard(ctx context.Context, c card.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createCard(ctx, s.db, c)
}

func createCard(ctx context.Context, q querier, c card.Card) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cards (id, holder_name, balance, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.HolderName, c.Balance.String(), string(c.Status), c.Version,
		c.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert card: %w", err)
	}
	return nil
}

// GetCard reads a card. Every mode is a plain read: units of work are
// already serialized by WithTx.
func (s *Store) GetCard(ctx context.Context, id uuid.UUID, _ card.AcquireMode) (card.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCard(ctx, s.db, id)
}

func getCard(ctx context.Context, q querier, id uuid.UUID) (card.Card, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, holder_name, balance, status, version, created_at
		FROM cards WHERE id = ?`, id.String())
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return card.Card{}, card.ErrCardNotFound
	}
	return c, err
}

func (s *Store) SaveCard(ctx context.Context, c card.Card) (card.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveCard(ctx, s.db, c)
}

// saveCard writes c only if the stored version still equals c.Version.
func saveCard(ctx context.Context, q querier, c card.Card) (card.Card, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE cards SET holder_name = ?, balance = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		c.HolderName, c.Balance.String(), string(c.Status), c.ID.String(), c.Version,
	)
	if err != nil {
		return card.Card{}, fmt.Errorf("failed to update card: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return card.Card{}, err
	}
	if n == 0 {
		if _, err := getCard(ctx, q, c.ID); err != nil {
			return card.Card{}, err
		}
		return card.Card{}, fmt.Errorf("%w: card %s changed since version %d", card.ErrStorageConflict, c.ID, c.Version)
	}
	c.Version++
	return c, nil
}

func (s *Store) DeleteCard(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteCard(ctx, s.db, id)
}

func deleteCard(ctx context.Context, q querier, id uuid.UUID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM cards WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("failed to delete card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return card.ErrCardNotFound
	}
	return nil
}

// ListOrphanCards returns cards created before createdBefore with no
// ISSUANCE entry, oldest first.
func (s *Store) ListOrphanCards(ctx context.Context, createdBefore time.Time) ([]card.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.holder_name, c.balance, c.status, c.version, c.created_at
		FROM cards c
		WHERE c.created_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries e
			WHERE e.card_id = c.id AND e.entry_type = ?)
		ORDER BY c.created_at ASC`,
		createdBefore.UTC().Format(timeLayout), string(card.EntryIssuance))
	if err != nil {
		return nil, fmt.Errorf("failed to query orphan cards: %w", err)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (card.Card, error) {
	var (
		c         card.Card
		id        string
		balance   string
		status    string
		createdAt string
	)
	if err := row.Scan(&id, &c.HolderName, &balance, &status, &c.Version, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("failed to scan card: %w", err)
	}

	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return c, fmt.Errorf("card id %q: %w", id, err)
	}
	if c.Balance, err = decimal.NewFromString(balance); err != nil {
		return c, fmt.Errorf("card %s balance %q: %w", id, balance, err)
	}
	c.Status = card.Status(status)
	c.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return c, nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (s *Store) InsertPending(ctx context.Context, e card.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPending(ctx, s.db, e)
}

func insertPending(ctx context.Context, q querier, e card.LedgerEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, card_id, amount, entry_type, idempotency_key, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.CardID.String(), e.Amount.String(), string(e.Type),
		e.IdempotencyKey, string(card.EntryPending), e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return card.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status card.EntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setStatus(ctx, s.db, id, status)
}

// setStatus only moves a PENDING row.
func setStatus(ctx context.Context, q querier, id uuid.UUID, status card.EntryStatus) error {
	res, err := q.ExecContext(ctx,
		"UPDATE ledger_entries SET status = ? WHERE id = ? AND status = ?",
		string(status), id.String(), string(card.EntryPending))
	if err != nil {
		return fmt.Errorf("failed to update ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entry %s is not pending", card.ErrInvalidTransition, id)
	}
	return nil
}

func (s *Store) FindByKey(ctx context.Context, key string) (card.LedgerEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByKey(ctx, s.db, key)
}

func findByKey(ctx context.Context, q querier, key string) (card.LedgerEntry, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, card_id, amount, entry_type, idempotency_key, status, created_at
		FROM ledger_entries WHERE idempotency_key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return card.LedgerEntry{}, false, nil
	}
	if err != nil {
		return card.LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (s *Store) ListByCard(ctx context.Context, cardID uuid.UUID) ([]card.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listByCard(ctx, s.db, cardID)
}

func listByCard(ctx context.Context, q querier, cardID uuid.UUID) ([]card.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, card_id, amount, entry_type, idempotency_key, status, created_at
		FROM ledger_entries WHERE card_id = ?
		ORDER BY seq ASC`, cardID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
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

func scanEntry(row scanner) (card.LedgerEntry, error) {
	var (
		e         card.LedgerEntry
		id        string
		cardID    string
		amount    string
		entryType string
		status    string
		createdAt string
	)
	if err := row.Scan(&id, &cardID, &amount, &entryType, &e.IdempotencyKey, &status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
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
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction. The write lock is held
// until commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(card.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every call through the open transaction and never touches
// the store's lock.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateCard(ctx context.Context, c card.Card) error {
	return createCard(ctx, ts.tx, c)
}

func (ts *txStore) GetCard(ctx context.Context, id uuid.UUID, _ card.AcquireMode) (card.Card, error) {
	return getCard(ctx, ts.tx, id)
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

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"ledger_entries", "cards"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
