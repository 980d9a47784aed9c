// Package store provides an in-memory card.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/card-ledger/card"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps cards and entries in maps. Writes made inside WithTx are
// visible to other callers immediately and undone if the unit of work fails.
// Exclusive holds are per-card mutexes kept until the unit of work ends.
type Memory struct {
	mu      sync.RWMutex
	cards   map[uuid.UUID]card.Card
	entries map[uuid.UUID]card.LedgerEntry
	byKey   map[string]uuid.UUID
	byCard  map[uuid.UUID][]uuid.UUID

	holdMu sync.Mutex
	holds  map[uuid.UUID]*sync.Mutex
}

var (
	_ card.Store        = (*Memory)(nil)
	_ card.OrphanFinder = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		cards:   make(map[uuid.UUID]card.Card),
		entries: make(map[uuid.UUID]card.LedgerEntry),
		byKey:   make(map[string]uuid.UUID),
		byCard:  make(map[uuid.UUID][]uuid.UUID),
		holds:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// =============================================================================
// CARDS
// =============================================================================

func (m *Memory) CreateCard(_ context.Context, c card.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(c)
}

func (m *Memory) createLocked(c card.Card) error {
	if _, ok := m.cards[c.ID]; ok {
		return fmt.Errorf("card %s already exists", c.ID)
	}
	m.cards[c.ID] = c
	return nil
}

// GetCard reads a card. Outside WithTx every mode is a plain read.
func (m *Memory) GetCard(_ context.Context, id uuid.UUID, _ card.AcquireMode) (card.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[id]
	if !ok {
		return card.Card{}, card.ErrCardNotFound
	}
	return c, nil
}

func (m *Memory) SaveCard(_ context.Context, c card.Card) (card.Card, error) {
	unlock := m.hold(c.ID)
	defer unlock()
	_, saved, err := m.save(c)
	return saved, err
}

// save applies the stamp check and returns the previous and stored card.
func (m *Memory) save(c card.Card) (card.Card, card.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.cards[c.ID]
	if !ok {
		return card.Card{}, card.Card{}, card.ErrCardNotFound
	}
	if prev.Version != c.Version {
		return card.Card{}, card.Card{}, fmt.Errorf("%w: card %s at version %d, write based on %d",
			card.ErrStorageConflict, c.ID, prev.Version, c.Version)
	}
	c.Version++
	m.cards[c.ID] = c
	return prev, c, nil
}

func (m *Memory) DeleteCard(_ context.Context, id uuid.UUID) error {
	unlock := m.hold(id)
	defer unlock()
	_, err := m.remove(id)
	return err
}

func (m *Memory) remove(id uuid.UUID) (card.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return card.Card{}, card.ErrCardNotFound
	}
	delete(m.cards, id)
	return c, nil
}

// ListOrphanCards returns cards created before createdBefore that no
// ISSUANCE entry references, oldest first.
func (m *Memory) ListOrphanCards(_ context.Context, createdBefore time.Time) ([]card.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	issued := make(map[uuid.UUID]bool)
	for _, e := range m.entries {
		if e.Type == card.EntryIssuance {
			issued[e.CardID] = true
		}
	}
	var orphans []card.Card
	for id, c := range m.cards {
		if !issued[id] && c.CreatedAt.Before(createdBefore) {
			orphans = append(orphans, c)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].CreatedAt.Before(orphans[j].CreatedAt) })
	return orphans, nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (m *Memory) InsertPending(_ context.Context, e card.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[e.IdempotencyKey]; ok {
		return card.ErrDuplicateKey
	}
	if _, ok := m.cards[e.CardID]; !ok {
		return fmt.Errorf("insert entry %s: %w", e.ID, card.ErrCardNotFound)
	}
	m.entries[e.ID] = e
	m.byKey[e.IdempotencyKey] = e.ID
	m.byCard[e.CardID] = append(m.byCard[e.CardID], e.ID)
	return nil
}

func (m *Memory) removeEntry(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	delete(m.entries, id)
	delete(m.byKey, e.IdempotencyKey)
	ids := m.byCard[e.CardID]
	for i, other := range ids {
		if other == id {
			m.byCard[e.CardID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

func (m *Memory) SetStatus(_ context.Context, id uuid.UUID, status card.EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, card.EntryPending, status)
}

func (m *Memory) setStatusLocked(id uuid.UUID, from, to card.EntryStatus) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("entry %s not found", id)
	}
	if e.Status != from {
		return fmt.Errorf("%w: entry %s is %s", card.ErrInvalidTransition, id, e.Status)
	}
	e.Status = to
	m.entries[id] = e
	return nil
}

func (m *Memory) FindByKey(_ context.Context, key string) (card.LedgerEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return card.LedgerEntry{}, false, nil
	}
	return m.entries[id], true, nil
}

func (m *Memory) ListByCard(_ context.Context, cardID uuid.UUID) ([]card.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byCard[cardID]
	result := make([]card.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.entries[id])
	}
	return result, nil
}

// Reset drops every card and entry. Holds are kept so in-flight units of
// work still release cleanly.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards = make(map[uuid.UUID]card.Card)
	m.entries = make(map[uuid.UUID]card.LedgerEntry)
	m.byKey = make(map[string]uuid.UUID)
	m.byCard = make(map[uuid.UUID][]uuid.UUID)
	return nil
}

// =============================================================================
// EXCLUSIVE HOLDS
// =============================================================================

// hold locks the card's mutex and returns its release function.
func (m *Memory) hold(id uuid.UUID) func() {
	m.holdMu.Lock()
	l, ok := m.holds[id]
	if !ok {
		l = &sync.Mutex{}
		m.holds[id] = l
	}
	m.holdMu.Unlock()

	l.Lock()
	return l.Unlock
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a unit of work. On error every write made
// through the view is undone in reverse order. Holds are released last.
func (m *Memory) WithTx(ctx context.Context, fn func(card.Tx) error) (err error) {
	v := &txView{parent: m, held: make(map[uuid.UUID]func())}
	defer v.release()
	defer func() {
		if r := recover(); r != nil {
			v.rollback()
			panic(r)
		}
	}()

	if err = fn(v); err != nil {
		v.rollback()
		return err
	}
	return nil
}

type txView struct {
	parent *Memory
	held   map[uuid.UUID]func()
	undo   []func()
}

func (v *txView) acquire(id uuid.UUID) {
	if _, ok := v.held[id]; ok {
		return
	}
	v.held[id] = v.parent.hold(id)
}

func (v *txView) release() {
	for id, unlock := range v.held {
		unlock()
		delete(v.held, id)
	}
}

func (v *txView) rollback() {
	for i := len(v.undo) - 1; i >= 0; i-- {
		v.undo[i]()
	}
	v.undo = nil
}

func (v *txView) CreateCard(_ context.Context, c card.Card) error {
	m := v.parent
	m.mu.Lock()
	err := m.createLocked(c)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	v.undo = append(v.undo, func() { m.remove(c.ID) })
	return nil
}

func (v *txView) GetCard(ctx context.Context, id uuid.UUID, mode card.AcquireMode) (card.Card, error) {
	if mode == card.AcquireExclusive {
		v.acquire(id)
	}
	return v.parent.GetCard(ctx, id, mode)
}

// SaveCard takes the card's hold like a row lock and keeps it until the
// unit of work ends.
func (v *txView) SaveCard(_ context.Context, c card.Card) (card.Card, error) {
	v.acquire(c.ID)
	m := v.parent
	prev, saved, err := m.save(c)
	if err != nil {
		return card.Card{}, err
	}
	v.undo = append(v.undo, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.cards[saved.ID]; ok && cur.Version == saved.Version {
			m.cards[saved.ID] = prev
		}
	})
	return saved, nil
}

func (v *txView) DeleteCard(_ context.Context, id uuid.UUID) error {
	v.acquire(id)
	m := v.parent
	prev, err := m.remove(id)
	if err != nil {
		return err
	}
	v.undo = append(v.undo, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.cards[prev.ID] = prev
	})
	return nil
}

func (v *txView) InsertPending(ctx context.Context, e card.LedgerEntry) error {
	if err := v.parent.InsertPending(ctx, e); err != nil {
		return err
	}
	v.undo = append(v.undo, func() { v.parent.removeEntry(e.ID) })
	return nil
}

func (v *txView) SetStatus(ctx context.Context, id uuid.UUID, status card.EntryStatus) error {
	if err := v.parent.SetStatus(ctx, id, status); err != nil {
		return err
	}
	m := v.parent
	v.undo = append(v.undo, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.setStatusLocked(id, status, card.EntryPending)
	})
	return nil
}

func (v *txView) FindByKey(ctx context.Context, key string) (card.LedgerEntry, bool, error) {
	return v.parent.FindByKey(ctx, key)
}

func (v *txView) ListByCard(ctx context.Context, cardID uuid.UUID) ([]card.LedgerEntry, error) {
	return v.parent.ListByCard(ctx, cardID)
}
