/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  card package types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Amount sign rules stay
  in the card package so every entry point enforces them.

MONEY:
  Amounts are decimal.Decimal. They are accepted as either JSON strings or
  numbers and encoded as strings with at least two fraction digits
  ("100.00", "0.0001"), see Money.
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/card-ledger/card"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// IssueCardRequest is the body of POST /api/v1/cards/create.
type IssueCardRequest struct {
	CardholderName string           `json:"cardholder_name" validate:"required,notblank,max=255"`
	InitialBalance *decimal.Decimal `json:"initial_balance" validate:"required"`
	IdempotencyKey string           `json:"idempotency_key" validate:"required,notblank,max=255"`
}

// AmountRequest is the body of top-up and spend requests.
type AmountRequest struct {
	Amount         *decimal.Decimal `json:"amount" validate:"required"`
	IdempotencyKey string           `json:"idempotency_key" validate:"required,notblank,max=255"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// CardDTO represents a card in API responses.
type CardDTO struct {
	ID             string `json:"id"`
	CardholderName string `json:"cardholder_name"`
	Balance        Money  `json:"balance"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// TransactionDTO is one ledger entry in a card's history.
type TransactionDTO struct {
	ID             string `json:"id"`
	CardID         string `json:"card_id"`
	Amount         Money  `json:"amount"`
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// Money encodes an amount with two fraction digits, or more when the value
// needs them (up to card.MaxScale). Stores differ in whether they keep the
// scale a client sent, so "100", "100.00" and "100.0000" all encode as "100.00".
type Money struct {
	decimal.Decimal
}

func (m Money) MarshalJSON() ([]byte, error) {
	places := int32(2)
	for places < card.MaxScale && !m.Equal(m.Truncate(places)) {
		places++
	}
	return json.Marshal(m.StringFixed(places))
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// HealthDTO is the body of GET /health.
type HealthDTO struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func toCardDTO(c card.Card) CardDTO {
	return CardDTO{
		ID:             c.ID.String(),
		CardholderName: c.HolderName,
		Balance:        Money{c.Balance},
		Status:         string(c.Status),
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(entries []card.LedgerEntry) []TransactionDTO {
	dtos := make([]TransactionDTO, len(entries))
	for i, e := range entries {
		dtos[i] = TransactionDTO{
			ID:             e.ID.String(),
			CardID:         e.CardID.String(),
			Amount:         Money{e.Amount},
			Type:           string(e.Type),
			IdempotencyKey: e.IdempotencyKey,
			Status:         string(e.Status),
			CreatedAt:      e.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	return dtos
}
