package card

import (
	"context"

	"github.com/google/uuid"
)

// QueryService is the read-only side: a card's ledger history.
type QueryService struct {
	store Store
}

func NewQueryService(store Store) *QueryService {
	return &QueryService{store: store}
}

// ListTransactions returns the card's entries in creation order, or
// ErrCardNotFound.
func (q *QueryService) ListTransactions(ctx context.Context, cardID uuid.UUID) ([]LedgerEntry, error) {
	if _, err := q.store.GetCard(ctx, cardID, AcquirePlain); err != nil {
		return nil, err
	}
	return NewLedger(q.store, nil).ListByCard(ctx, cardID)
}
