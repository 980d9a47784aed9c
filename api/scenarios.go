/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Populates the store with cards and ledger history that show specific
	behaviors. Every scenario goes through the CardService, so the data is
	exactly what real clients would have produced.

AVAILABLE SCENARIOS:

	fresh-card:      One card, no activity beyond issuance
	busy-card:       Top-ups and spends, including a declined spend
	drained-card:    Balance spent to exactly zero, later spends declined
	multi-holder:    Several holders with different balances

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Issue cards with scenario-scoped idempotency keys
 3. Replay top-ups and spends in order

USAGE VIA API:

	GET  /api/scenarios
	GET  /api/scenarios/current
	POST /api/scenarios/load   {"scenario_id": "busy-card"}

NOTE:

	Scenarios reset the store. The routes are only mounted when the server
	runs with server.scenarios enabled.

SEE ALSO:
  - handlers.go: Card handlers
  - server.go: Route mounting
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/card-ledger/card"
	"go.uber.org/zap"
)

// Resetter clears all persisted data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ScenarioDTO describes a loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenarioResponse lists the cards a scenario created.
type LoadScenarioResponse struct {
	Status   string    `json:"status"`
	Scenario string    `json:"scenario"`
	Cards    []CardDTO `json:"cards"`
}

type scenarioState struct {
	reset   Resetter
	mu      sync.Mutex
	current string
}

// EnableScenarios turns on the demo routes. reset is called before every load.
func (h *Handler) EnableScenarios(reset Resetter) {
	h.scenarios = &scenarioState{reset: reset}
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// step is one ledger operation replayed by a scenario.
type step struct {
	op     string // "topup" or "spend"
	amount string
}

type scenarioCard struct {
	holder  string
	initial string
	steps   []step
}

type scenario struct {
	ScenarioDTO
	cards []scenarioCard
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{ID: "fresh-card", Name: "Fresh Card", Description: "One card with 100.00 and no activity"},
		cards:       []scenarioCard{{holder: "Alice Johnson", initial: "100.00"}},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "busy-card", Name: "Busy Card", Description: "Top-ups and spends, one spend declined for insufficient balance"},
		cards: []scenarioCard{{
			holder:  "Bob Smith",
			initial: "50.00",
			steps: []step{
				{op: "topup", amount: "25.00"},
				{op: "spend", amount: "12.50"},
				{op: "spend", amount: "100.00"},
				{op: "topup", amount: "10.00"},
				{op: "spend", amount: "7.25"},
			},
		}},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "drained-card", Name: "Drained Card", Description: "Balance spent to exactly zero, later spends declined"},
		cards: []scenarioCard{{
			holder:  "Carol White",
			initial: "20.00",
			steps: []step{
				{op: "spend", amount: "15.00"},
				{op: "spend", amount: "5.00"},
				{op: "spend", amount: "0.01"},
			},
		}},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "multi-holder", Name: "Multiple Holders", Description: "Three holders with different balances"},
		cards: []scenarioCard{
			{holder: "Dan Brown", initial: "0"},
			{holder: "Eve Davis", initial: "250.00", steps: []step{{op: "spend", amount: "49.99"}}},
			{holder: "Frank Moore", initial: "1000.00", steps: []step{{op: "topup", amount: "0.01"}}},
		},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarios.mu.Lock()
	current := h.scenarios.current
	h.scenarios.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) || !h.valid(w, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "UNKNOWN_SCENARIO", "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.scenarios.mu.Lock()
	defer h.scenarios.mu.Unlock()

	ctx := r.Context()
	h.scenarios.current = ""
	if err := h.scenarios.reset.Reset(ctx); err != nil {
		h.log.Error("scenario reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to reset store", nil)
		return
	}

	cards, err := h.loadScenario(ctx, s)
	if err != nil {
		h.log.Error("scenario load failed", zap.String("scenario", s.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scenario", nil)
		return
	}
	h.scenarios.current = s.ID

	h.log.Info("scenario loaded", zap.String("scenario", s.ID), zap.Int("cards", len(cards)))
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Status: "loaded", Scenario: s.ID, Cards: cards})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, s scenario) ([]CardDTO, error) {
	out := make([]CardDTO, 0, len(s.cards))
	for i, sc := range s.cards {
		prefix := fmt.Sprintf("scenario-%s-%d", s.ID, i)

		c, err := h.Cards.Issue(ctx, sc.holder, decimal.RequireFromString(sc.initial), prefix+"-issue")
		if err != nil {
			return nil, fmt.Errorf("issue %s: %w", sc.holder, err)
		}

		for j, st := range sc.steps {
			amount := decimal.RequireFromString(st.amount)
			key := fmt.Sprintf("%s-%s-%d", prefix, st.op, j)
			var next card.Card
			switch st.op {
			case "topup":
				next, err = h.Cards.Topup(ctx, c.ID, amount, key)
			case "spend":
				next, err = h.Cards.Spend(ctx, c.ID, amount, key)
			default:
				err = fmt.Errorf("unknown step %q", st.op)
			}
			if errors.Is(err, card.ErrInsufficientBalance) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%s step %d: %w", sc.holder, j, err)
			}
			c = next
		}
		out = append(out, toCardDTO(c))
	}
	return out, nil
}
