package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/card-ledger/card"
	"github.com/warp/card-ledger/card/store"
)

func newScenarioServer(t *testing.T) (http.Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	h := NewHandler(card.NewEngine(mem, card.Config{}), nil)
	h.EnableScenarios(mem)
	return NewRouter(h, RouterOptions{}), mem
}

func loadScenario(t *testing.T, srv http.Handler, id string) LoadScenarioResponse {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoadScenarioResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestScenarios_NotMountedByDefault(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := do(t, srv, http.MethodGet, "/api/scenarios/", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_List(t *testing.T) {
	srv, _ := newScenarioServer(t)

	rec := do(t, srv, http.MethodGet, "/api/scenarios/", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var list []ScenarioDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, len(scenarios))
	assert.Equal(t, "fresh-card", list[0].ID)
}

func TestScenarios_LoadEachScenario(t *testing.T) {
	srv, _ := newScenarioServer(t)

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			resp := loadScenario(t, srv, s.ID)

			assert.Equal(t, "loaded", resp.Status)
			assert.Len(t, resp.Cards, len(s.cards))
		})
	}
}

func TestScenarios_BusyCard(t *testing.T) {
	// GIVEN: The busy-card scenario
	srv, _ := newScenarioServer(t)

	// WHEN: Loading it
	resp := loadScenario(t, srv, "busy-card")

	// THEN: 50 + 25 - 12.50 + 10 - 7.25, with the 100.00 spend declined
	require.Len(t, resp.Cards, 1)
	assert.True(t, resp.Cards[0].Balance.Equal(decimal.RequireFromString("65.25")), "got %s", resp.Cards[0].Balance)

	rec := do(t, srv, http.MethodGet, cardPath(resp.Cards[0].ID, "/transactions"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []TransactionDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&txs))
	require.Len(t, txs, 6)
	assert.Equal(t, "DECLINED", txs[3].Status)
}

func TestScenarios_LoadResetsPreviousData(t *testing.T) {
	srv, mem := newScenarioServer(t)
	first := loadScenario(t, srv, "drained-card")
	require.True(t, first.Cards[0].Balance.IsZero())

	loadScenario(t, srv, "fresh-card")

	id, err := uuid.Parse(first.Cards[0].ID)
	require.NoError(t, err)
	_, err = mem.GetCard(context.Background(), id, card.AcquirePlain)
	assert.ErrorIs(t, err, card.ErrCardNotFound)

	rec := do(t, srv, http.MethodGet, "/api/scenarios/current", nil, nil)
	var current ScenarioDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&current))
	assert.Equal(t, "fresh-card", current.ID)
}

func TestScenarios_UnknownScenario(t *testing.T) {
	srv, _ := newScenarioServer(t)

	rec := do(t, srv, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_SCENARIO", decodeError(t, rec).Code)
}
