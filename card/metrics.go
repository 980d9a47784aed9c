package card

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "card_ledger_operations_total",
		Help: "Card operations, labeled by operation and outcome",
	}, []string{"operation", "outcome"})

	storageConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "card_ledger_storage_conflicts_total",
		Help: "Optimistic write collisions, labeled by operation",
	}, []string{"operation"})

	idempotencyWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "card_ledger_idempotency_wait_seconds",
		Help:    "Time spent waiting for an in-flight request with the same key",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
)

// outcome labels
const (
	outcomeSuccess  = "success"
	outcomeReplay   = "replay"
	outcomeDeclined = "declined"
	outcomeError    = "error"
)
