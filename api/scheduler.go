/*
scheduler.go - Orphan card sweeper

PURPOSE:
  Periodically looks for cards that no ISSUANCE ledger entry references.
  Issuance creates the card before reserving its key and deletes it again
  when a concurrent duplicate wins, all in one unit of work. A card can
  only be left behind if that unit of work was interrupted on a store
  without atomic commits. Such cards are unreachable by any client.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Only cards older than Grace are considered, so in-flight issuances
    are never touched
  - Reports the count as the card_ledger_orphan_cards gauge
  - Deletes them only when Purge is set

USAGE:
  sweeper := NewOrphanSweeper(store, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/card-ledger/card"
	"go.uber.org/zap"
)

var orphanCards = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "card_ledger_orphan_cards",
	Help: "Cards without an ISSUANCE entry found by the last sweep",
})

// SweepStore is what the sweeper needs from a store.
type SweepStore interface {
	card.OrphanFinder
	DeleteCard(ctx context.Context, id uuid.UUID) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Found  int
	Purged int
}

// OrphanSweeper finds (and optionally deletes) orphan cards.
type OrphanSweeper struct {
	Store         SweepStore
	CheckInterval time.Duration
	Grace         time.Duration
	Purge         bool
	Enabled       bool
	Now           func() time.Time

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewOrphanSweeper creates a sweeper with a 10 minute interval and a one
// minute grace period.
func NewOrphanSweeper(store SweepStore, log *zap.Logger) *OrphanSweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrphanSweeper{
		Store:         store,
		CheckInterval: 10 * time.Minute,
		Grace:         time.Minute,
		Enabled:       true,
		Now:           time.Now,
		log:           log.Named("sweeper"),
	}
}

// Start begins the sweeper.
func (s *OrphanSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.log.Info("started",
		zap.Duration("interval", s.CheckInterval),
		zap.Duration("grace", s.Grace),
		zap.Bool("purge", s.Purge))
}

// Stop stops the sweeper and waits for a running sweep to finish.
func (s *OrphanSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *OrphanSweeper) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.C:
			if _, err := s.RunNow(context.Background()); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously.
func (s *OrphanSweeper) RunNow(ctx context.Context) (SweepResult, error) {
	cutoff := s.Now().Add(-s.Grace)
	orphans, err := s.Store.ListOrphanCards(ctx, cutoff)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Found: len(orphans)}
	orphanCards.Set(float64(len(orphans)))

	for _, c := range orphans {
		s.log.Warn("orphan card",
			zap.String("card_id", c.ID.String()),
			zap.Time("created_at", c.CreatedAt))
		if !s.Purge {
			continue
		}
		if err := s.Store.DeleteCard(ctx, c.ID); err != nil {
			s.log.Error("failed to purge orphan card", zap.String("card_id", c.ID.String()), zap.Error(err))
			continue
		}
		result.Purged++
	}

	if result.Found > 0 {
		s.log.Info("sweep completed", zap.Int("found", result.Found), zap.Int("purged", result.Purged))
	}
	return result, nil
}
