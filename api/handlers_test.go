/*
handlers_test.go - HTTP tests for the card API

Tests for:
- Issue, get, top-up, spend and history through the real router
- Idempotent replays and key reuse over HTTP
- Request validation and error code mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/card-ledger/card"
	"github.com/warp/card-ledger/card/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T, svc CardService) http.Handler {
	t.Helper()
	if svc == nil {
		svc = card.NewEngine(store.NewMemory(), card.Config{})
	}
	return NewRouter(NewHandler(svc, nil), RouterOptions{})
}

func do(t *testing.T, srv http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeCard(t *testing.T, rec *httptest.ResponseRecorder) CardDTO {
	t.Helper()
	var dto CardDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&dto), rec.Body.String())
	return dto
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp), rec.Body.String())
	return resp
}

func issue(t *testing.T, srv http.Handler, balance, key string) CardDTO {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/v1/cards/create", map[string]any{
		"cardholder_name": "Ada Lovelace",
		"initial_balance": balance,
		"idempotency_key": key,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeCard(t, rec)
}

func cardPath(id string, suffix string) string {
	return "/api/v1/cards/" + id + suffix
}

// =============================================================================
// ISSUE
// =============================================================================

func TestIssueCard_CreatedAndReplayed(t *testing.T) {
	srv := newTestServer(t, nil)

	first := issue(t, srv, "100.00", "issue-1")
	second := issue(t, srv, "100.00", "issue-1")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ada Lovelace", first.CardholderName)
	assert.Equal(t, "ACTIVE", first.Status)
	assert.True(t, first.Balance.Equal(decimal.NewFromInt(100)))
	assert.NotEmpty(t, first.CreatedAt)
}

func TestIssueCard_NumericBalanceAccepted(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/cards/create",
		`{"cardholder_name":"Ada","initial_balance":12.5,"idempotency_key":"n1"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeCard(t, rec).Balance.Equal(decimal.RequireFromString("12.5")))
}

func TestIssueCard_HeaderKeyFallback(t *testing.T) {
	srv := newTestServer(t, nil)
	body := map[string]any{"cardholder_name": "Ada", "initial_balance": "5"}
	header := map[string]string{"Idempotency-Key": "from-header"}

	first := do(t, srv, http.MethodPost, "/api/v1/cards/create", body, header)
	second := do(t, srv, http.MethodPost, "/api/v1/cards/create", body, header)

	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, decodeCard(t, first).ID, decodeCard(t, second).ID)
}

func TestIssueCard_BlankNameCreatesNothing(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/cards/create", map[string]any{
		"cardholder_name": " \t\n",
		"initial_balance": "5",
		"idempotency_key": "blank-1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The key was never reserved, so a valid retry with it succeeds.
	c := issue(t, srv, "5", "blank-1")
	assert.Equal(t, "Ada Lovelace", c.CardholderName)
}

func TestIssueCard_KeyReuseConflict(t *testing.T) {
	srv := newTestServer(t, nil)
	issue(t, srv, "100", "issue-1")

	rec := do(t, srv, http.MethodPost, "/api/v1/cards/create", map[string]any{
		"cardholder_name": "Ada Lovelace",
		"initial_balance": "99",
		"idempotency_key": "issue-1",
	}, nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", decodeError(t, rec).Code)
}

func TestIssueCard_Validation(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode string
		wantIn   string
	}{
		{name: "malformed json", body: `{"cardholder_name":`, wantCode: "VALIDATION_ERROR"},
		{name: "missing name", body: `{"initial_balance":"1","idempotency_key":"k"}`, wantCode: "VALIDATION_ERROR", wantIn: "cardholder_name"},
		{name: "missing balance", body: `{"cardholder_name":"Ada","idempotency_key":"k"}`, wantCode: "VALIDATION_ERROR", wantIn: "initial_balance"},
		{name: "missing key", body: `{"cardholder_name":"Ada","initial_balance":"1"}`, wantCode: "VALIDATION_ERROR", wantIn: "idempotency_key"},
		{name: "blank name", body: `{"cardholder_name":"   ","initial_balance":"1","idempotency_key":"k"}`, wantCode: "VALIDATION_ERROR", wantIn: "cardholder_name"},
		{name: "blank key", body: `{"cardholder_name":"Ada","initial_balance":"1","idempotency_key":" \t "}`, wantCode: "VALIDATION_ERROR", wantIn: "idempotency_key"},
		{name: "too many fraction digits", body: `{"cardholder_name":"Ada","initial_balance":"1.00001","idempotency_key":"k"}`, wantCode: "INVALID_AMOUNT"},
		{name: "negative balance", body: `{"cardholder_name":"Ada","initial_balance":"-1","idempotency_key":"k"}`, wantCode: "INVALID_AMOUNT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/api/v1/cards/create", tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, resp.Code)
			if tt.wantIn != "" {
				assert.Contains(t, resp.Details, tt.wantIn)
			}
		})
	}
}

// =============================================================================
// GET / TOPUP / SPEND
// =============================================================================

func TestGetCard(t *testing.T) {
	srv := newTestServer(t, nil)
	issued := issue(t, srv, "42", "issue-1")

	rec := do(t, srv, http.MethodGet, cardPath(issued.ID, ""), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, issued.ID, decodeCard(t, rec).ID)

	rec = do(t, srv, http.MethodGet, cardPath(uuid.NewString(), ""), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CARD_NOT_FOUND", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodGet, cardPath("not-a-uuid", ""), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
}

func TestTopupAndSpend(t *testing.T) {
	// GIVEN: A card with 100
	srv := newTestServer(t, nil)
	c := issue(t, srv, "100", "issue-1")

	// WHEN: Top up 50, spend 30 twice with the same key
	rec := do(t, srv, http.MethodPost, cardPath(c.ID, "/topup"), map[string]any{"amount": "50", "idempotency_key": "t1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeCard(t, rec).Balance.Equal(decimal.NewFromInt(150)))

	for i := 0; i < 2; i++ {
		rec = do(t, srv, http.MethodPost, cardPath(c.ID, "/spend"), map[string]any{"amount": "30", "idempotency_key": "s1"}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// THEN: The spend applied once
	rec = do(t, srv, http.MethodGet, cardPath(c.ID, ""), nil, nil)
	assert.True(t, decodeCard(t, rec).Balance.Equal(decimal.NewFromInt(120)))
}

func TestSpend_InsufficientBalance(t *testing.T) {
	srv := newTestServer(t, nil)
	c := issue(t, srv, "10", "issue-1")

	for i := 0; i < 2; i++ {
		rec := do(t, srv, http.MethodPost, cardPath(c.ID, "/spend"), map[string]any{"amount": "15", "idempotency_key": "s1"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INSUFFICIENT_BALANCE", decodeError(t, rec).Code)
	}
}

func TestMutation_Validation(t *testing.T) {
	srv := newTestServer(t, nil)
	c := issue(t, srv, "10", "issue-1")

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode string
	}{
		{name: "zero topup", path: "/topup", body: `{"amount":"0","idempotency_key":"a"}`, wantCode: "INVALID_AMOUNT"},
		{name: "negative spend", path: "/spend", body: `{"amount":"-1","idempotency_key":"b"}`, wantCode: "INVALID_AMOUNT"},
		{name: "missing amount", path: "/spend", body: `{"idempotency_key":"c"}`, wantCode: "VALIDATION_ERROR"},
		{name: "missing key", path: "/topup", body: `{"amount":"1"}`, wantCode: "VALIDATION_ERROR"},
		{name: "blank key", path: "/spend", body: `{"amount":"1","idempotency_key":"  "}`, wantCode: "VALIDATION_ERROR"},
		{name: "too many fraction digits", path: "/topup", body: `{"amount":"0.00001","idempotency_key":"d"}`, wantCode: "INVALID_AMOUNT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, cardPath(c.ID, tt.path), tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestTopup_KeyReusedAcrossOperations(t *testing.T) {
	srv := newTestServer(t, nil)
	c := issue(t, srv, "10", "issue-1")
	rec := do(t, srv, http.MethodPost, cardPath(c.ID, "/topup"), map[string]any{"amount": "5", "idempotency_key": "k"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, cardPath(c.ID, "/spend"), map[string]any{"amount": "5", "idempotency_key": "k"}, nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", decodeError(t, rec).Code)
}

// =============================================================================
// MONEY ENCODING
// =============================================================================

func rawField(t *testing.T, rec *httptest.ResponseRecorder, field string) any {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw), rec.Body.String())
	return raw[field]
}

func TestMoney_EncodedWithFractionDigits(t *testing.T) {
	srv := newTestServer(t, nil)
	body := map[string]any{"cardholder_name": "Ada", "initial_balance": "100.00", "idempotency_key": "m1"}

	first := do(t, srv, http.MethodPost, "/api/v1/cards/create", body, nil)
	second := do(t, srv, http.MethodPost, "/api/v1/cards/create", body, nil)

	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, first.Body.String(), second.Body.String(), "a replay answers exactly like the first call")
	assert.Equal(t, "100.00", rawField(t, first, "balance"))
	id := rawField(t, second, "id").(string)

	rec := do(t, srv, http.MethodPost, cardPath(id, "/topup"), map[string]any{"amount": "0.0001", "idempotency_key": "m2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "100.0001", rawField(t, rec, "balance"))

	rec = do(t, srv, http.MethodPost, cardPath(id, "/spend"), map[string]any{"amount": 7, "idempotency_key": "m3"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "93.0001", rawField(t, rec, "balance"))

	rec = do(t, srv, http.MethodGet, cardPath(id, "/transactions"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	require.Len(t, txs, 3)
	assert.Equal(t, []any{"100.00", "0.0001", "7.00"}, []any{txs[0]["amount"], txs[1]["amount"], txs[2]["amount"]})
}

func TestMoney_MarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "0", want: `"0.00"`},
		{in: "7", want: `"7.00"`},
		{in: "12.5", want: `"12.50"`},
		{in: "100.00", want: `"100.00"`},
		{in: "65.25", want: `"65.25"`},
		{in: "0.001", want: `"0.001"`},
		{in: "100.0001", want: `"100.0001"`},
		{in: "1.50000", want: `"1.50"`},
		{in: "-3.1", want: `"-3.10"`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := json.Marshal(Money{decimal.RequireFromString(tt.in)})

			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestListTransactions(t *testing.T) {
	srv := newTestServer(t, nil)
	c := issue(t, srv, "10", "issue-1")
	do(t, srv, http.MethodPost, cardPath(c.ID, "/topup"), map[string]any{"amount": "5", "idempotency_key": "t1"}, nil)
	do(t, srv, http.MethodPost, cardPath(c.ID, "/spend"), map[string]any{"amount": "100", "idempotency_key": "s1"}, nil)

	rec := do(t, srv, http.MethodGet, cardPath(c.ID, "/transactions"), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var txs []TransactionDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&txs))
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"ISSUANCE", "TOPUP", "SPEND"}, []string{txs[0].Type, txs[1].Type, txs[2].Type})
	assert.Equal(t, []string{"SUCCESS", "SUCCESS", "DECLINED"}, []string{txs[0].Status, txs[1].Status, txs[2].Status})
	assert.True(t, txs[2].Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, c.ID, txs[1].CardID)

	rec = do(t, srv, http.MethodGet, cardPath(uuid.NewString(), "/transactions"), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// failingService returns err from every operation.
type failingService struct {
	err error
}

func (f failingService) Issue(context.Context, string, decimal.Decimal, string) (card.Card, error) {
	return card.Card{}, f.err
}

func (f failingService) GetCard(context.Context, uuid.UUID) (card.Card, error) {
	return card.Card{}, f.err
}

func (f failingService) Topup(context.Context, uuid.UUID, decimal.Decimal, string) (card.Card, error) {
	return card.Card{}, f.err
}

func (f failingService) Spend(context.Context, uuid.UUID, decimal.Decimal, string) (card.Card, error) {
	return card.Card{}, f.err
}

func (f failingService) ListTransactions(context.Context, uuid.UUID) ([]card.LedgerEntry, error) {
	return nil, f.err
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "in flight", err: fmt.Errorf("key k: %w", card.ErrIdempotencyTimeout), wantStatus: http.StatusServiceUnavailable, wantCode: "IDEMPOTENCY_TIMEOUT"},
		{name: "storage conflict", err: card.ErrStorageConflict, wantStatus: http.StatusConflict, wantCode: "STORAGE_CONFLICT"},
		{name: "inactive card", err: card.ErrCardNotActive, wantStatus: http.StatusBadRequest, wantCode: "CARD_NOT_ACTIVE"},
		{name: "unexpected", err: errors.New("disk on fire"), wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, failingService{err: tt.err})

			rec := do(t, srv, http.MethodPost, cardPath(uuid.NewString(), "/spend"), map[string]any{"amount": "1", "idempotency_key": "k"}, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, resp.Code)
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
			if tt.wantStatus == http.StatusInternalServerError {
				assert.Empty(t, resp.Details, "internal errors are not echoed")
			}
		})
	}
}

// =============================================================================
// OPERATIONAL ENDPOINTS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)
	issue(t, srv, "1", "issue-1")

	rec := do(t, srv, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)

	rec = do(t, srv, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "card_ledger_http_requests_total")
}
