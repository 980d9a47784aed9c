package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/card-ledger/card"
	"github.com/warp/card-ledger/card/store"
)

func newCard(t *testing.T, balance string, created time.Time) card.Card {
	t.Helper()
	c, err := card.NewCard("Ada Lovelace", decimal.RequireFromString(balance), created)
	require.NoError(t, err)
	return c
}

func pendingEntry(c card.Card, key string, typ card.EntryType) card.LedgerEntry {
	return card.LedgerEntry{
		ID:             uuid.New(),
		CardID:         c.ID,
		Amount:         decimal.NewFromInt(1),
		Type:           typ,
		IdempotencyKey: key,
		Status:         card.EntryPending,
		CreatedAt:      time.Now(),
	}
}

func TestMemory_InsertPending_DuplicateKey(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	c := newCard(t, "10", time.Now())
	require.NoError(t, m.CreateCard(ctx, c))

	l := card.NewLedger(m, nil)
	_, err := l.InsertPending(ctx, c.ID, card.EntryTopup, decimal.NewFromInt(1), "k1")
	require.NoError(t, err)

	_, err = l.InsertPending(ctx, c.ID, card.EntryTopup, decimal.NewFromInt(1), "k1")
	assert.ErrorIs(t, err, card.ErrDuplicateKey)
}

func TestMemory_SaveCard_StaleVersion(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	c := newCard(t, "10", time.Now())
	require.NoError(t, m.CreateCard(ctx, c))

	saved, err := m.SaveCard(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, c.Version+1, saved.Version)

	_, err = m.SaveCard(ctx, c)
	assert.ErrorIs(t, err, card.ErrStorageConflict)
}

func TestMemory_WithTx_RollbackUndoesEverything(t *testing.T) {
	// GIVEN: An existing card at 10
	m := store.NewMemory()
	ctx := context.Background()
	existing := newCard(t, "10", time.Now())
	require.NoError(t, m.CreateCard(ctx, existing))
	boom := errors.New("boom")

	// WHEN: A unit of work creates, saves, reserves and finalizes, then fails
	created := newCard(t, "5", time.Now())
	err := m.WithTx(ctx, func(tx card.Tx) error {
		require.NoError(t, tx.CreateCard(ctx, created))

		cur, err := tx.GetCard(ctx, existing.ID, card.AcquireExclusive)
		require.NoError(t, err)
		credited, err := cur.Credit(decimal.NewFromInt(90))
		require.NoError(t, err)
		_, err = tx.SaveCard(ctx, credited)
		require.NoError(t, err)

		l := card.NewLedger(tx, nil)
		e, err := l.InsertPending(ctx, existing.ID, card.EntryTopup, decimal.NewFromInt(90), "k1")
		require.NoError(t, err)
		_, err = l.Finalize(ctx, e, card.EntrySuccess)
		require.NoError(t, err)
		return boom
	})

	// THEN: Nothing survives
	require.ErrorIs(t, err, boom)
	_, err = m.GetCard(ctx, created.ID, card.AcquirePlain)
	assert.ErrorIs(t, err, card.ErrCardNotFound)

	got, err := m.GetCard(ctx, existing.ID, card.AcquirePlain)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, existing.Version, got.Version)

	_, found, err := m.FindByKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)
	entries, err := m.ListByCard(ctx, existing.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_WithTx_CommitKeepsWrites(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	c := newCard(t, "10", time.Now())

	err := m.WithTx(ctx, func(tx card.Tx) error {
		if err := tx.CreateCard(ctx, c); err != nil {
			return err
		}
		return tx.DeleteCard(ctx, c.ID)
	})
	require.NoError(t, err)

	_, err = m.GetCard(ctx, c.ID, card.AcquirePlain)
	assert.ErrorIs(t, err, card.ErrCardNotFound)
}

func TestMemory_ExclusiveHold_BlocksUntilUnitOfWorkEnds(t *testing.T) {
	// GIVEN: Unit of work A holds the card exclusively
	m := store.NewMemory()
	ctx := context.Background()
	c := newCard(t, "10", time.Now())
	require.NoError(t, m.CreateCard(ctx, c))

	held := make(chan struct{})
	release := make(chan struct{})
	doneA := make(chan error, 1)
	go func() {
		doneA <- m.WithTx(ctx, func(tx card.Tx) error {
			if _, err := tx.GetCard(ctx, c.ID, card.AcquireExclusive); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// WHEN: Unit of work B asks for the same card
	acquired := make(chan struct{})
	doneB := make(chan error, 1)
	go func() {
		doneB <- m.WithTx(ctx, func(tx card.Tx) error {
			_, err := tx.GetCard(ctx, c.ID, card.AcquireExclusive)
			close(acquired)
			return err
		})
	}()

	// THEN: B waits for A
	select {
	case <-acquired:
		t.Fatal("second exclusive read must wait for the first unit of work")
	case <-time.After(50 * time.Millisecond):
	}

	// Plain reads are not blocked
	_, err := m.GetCard(ctx, c.ID, card.AcquirePlain)
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-doneA)
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second unit of work never acquired the card")
	}
	require.NoError(t, <-doneB)
}

func TestMemory_SetStatus_OnlyFromPending(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	c := newCard(t, "10", time.Now())
	require.NoError(t, m.CreateCard(ctx, c))
	e := pendingEntry(c, "k1", card.EntrySpend)
	require.NoError(t, m.InsertPending(ctx, e))

	require.NoError(t, m.SetStatus(ctx, e.ID, card.EntryDeclined))
	err := m.SetStatus(ctx, e.ID, card.EntrySuccess)
	assert.ErrorIs(t, err, card.ErrInvalidTransition)

	got, found, err := m.FindByKey(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, card.EntryDeclined, got.Status)
}

func TestMemory_ListOrphanCards(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	issued := newCard(t, "10", now.Add(-time.Hour))
	orphanOld := newCard(t, "10", now.Add(-2*time.Hour))
	orphanOlder := newCard(t, "10", now.Add(-3*time.Hour))
	fresh := newCard(t, "10", now)
	for _, c := range []card.Card{issued, orphanOld, orphanOlder, fresh} {
		require.NoError(t, m.CreateCard(ctx, c))
	}
	require.NoError(t, m.InsertPending(ctx, pendingEntry(issued, "issue-1", card.EntryIssuance)))

	orphans, err := m.ListOrphanCards(ctx, now.Add(-time.Minute))

	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, orphanOlder.ID, orphans[0].ID, "oldest first")
	assert.Equal(t, orphanOld.ID, orphans[1].ID)
}
