/*
handlers.go - HTTP API handlers for the card ledger

PURPOSE:
  Exposes the card engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to card.Engine.

ENDPOINTS:
  POST   /api/v1/cards/create             Issue a card
  GET    /api/v1/cards/{id}               Get card details
  POST   /api/v1/cards/{id}/topup         Credit a card
  POST   /api/v1/cards/{id}/spend         Debit a card
  GET    /api/v1/cards/{id}/transactions  Ledger history

IDEMPOTENCY KEY:
  Read from the body's idempotency_key. When the body omits it, the
  Idempotency-Key header is used instead.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid amount, inactive card, insufficient balance
  - 404: Card not found
  - 409: Idempotency key reused with a different payload, storage conflict
  - 503: Identical request still in flight (Retry-After set)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/card-ledger/card"
	"go.uber.org/zap"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

// CardService is the engine surface the handlers need.
type CardService interface {
	Issue(ctx context.Context, holderName string, amount decimal.Decimal, key string) (card.Card, error)
	GetCard(ctx context.Context, id uuid.UUID) (card.Card, error)
	Topup(ctx context.Context, id uuid.UUID, amount decimal.Decimal, key string) (card.Card, error)
	Spend(ctx context.Context, id uuid.UUID, amount decimal.Decimal, key string) (card.Card, error)
	ListTransactions(ctx context.Context, id uuid.UUID) ([]card.LedgerEntry, error)
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Cards    CardService
	validate *validator.Validate
	log      *zap.Logger

	scenarios *scenarioState // nil unless EnableScenarios was called
}

// NewHandler creates a new handler over the given engine.
func NewHandler(cards CardService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Cards:    cards,
		validate: newValidator(),
		log:      log,
	}
}

// newValidator reports fields by their JSON names and adds "notblank",
// which rejects whitespace-only strings.
func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// CARD HANDLERS
// =============================================================================

// IssueCard creates a card. A replay answers 200 with the same body as the
// first call, so the first call answers 200 too.
func (h *Handler) IssueCard(w http.ResponseWriter, r *http.Request) {
	var req IssueCardRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(idempotencyHeader)
	}
	if !h.valid(w, &req) {
		return
	}

	c, err := h.Cards.Issue(r.Context(), req.CardholderName, *req.InitialBalance, req.IdempotencyKey)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(c))
}

// GetCard returns one card.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	id, ok := cardID(w, r)
	if !ok {
		return
	}
	c, err := h.Cards.GetCard(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(c))
}

// Topup credits a card.
func (h *Handler) Topup(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.Cards.Topup)
}

// Spend debits a card.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.Cards.Spend)
}

type mutation func(ctx context.Context, id uuid.UUID, amount decimal.Decimal, key string) (card.Card, error)

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, op mutation) {
	id, ok := cardID(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(idempotencyHeader)
	}
	if !h.valid(w, &req) {
		return
	}

	c, err := op(r.Context(), id, *req.Amount, req.IdempotencyKey)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCardDTO(c))
}

// ListTransactions returns the card's ledger entries in creation order.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := cardID(w, r)
	if !ok {
		return
	}
	entries, err := h.Cards.ListTransactions(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(entries))
}

// Health reports that the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthDTO{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339)})
}

// =============================================================================
// HELPERS
// =============================================================================

func cardID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid card ID", err)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", err)
		return false
	}
	return true
}

func (h *Handler) valid(w http.ResponseWriter, req any) bool {
	err := h.validate.Struct(req)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		err = fmt.Errorf("%s: failed on %q", fe.Field(), fe.Tag())
	}
	writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", err)
	return false
}

// writeEngineError maps card errors to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, card.ErrCardNotFound):
		writeError(w, http.StatusNotFound, "CARD_NOT_FOUND", "Card not found", err)
	case errors.Is(err, card.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key reused with a different request", err)
	case errors.Is(err, card.ErrIdempotencyTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_TIMEOUT", "Request with the same idempotency key is still in progress", err)
	case errors.Is(err, card.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "INSUFFICIENT_BALANCE", "Insufficient balance", err)
	case errors.Is(err, card.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "Invalid amount", err)
	case errors.Is(err, card.ErrCardNotActive):
		writeError(w, http.StatusBadRequest, "CARD_NOT_ACTIVE", "Card is not active", err)
	case errors.Is(err, card.ErrStorageConflict):
		writeError(w, http.StatusConflict, "STORAGE_CONFLICT", "Concurrent modification, retry the request", err)
	default:
		h.log.Error("unhandled engine error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
