package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/lendingsim/internal/domain"
	"github.com/alanyoungcy/lendingsim/internal/simulation"
)

// SimulationView is the read side of the live simulation.
type SimulationView interface {
	MarketView() simulation.MarketView
	User(id int) (simulation.UserView, error)
}

// SnapshotSource serves the latest snapshots recorded by the metrics sink.
type SnapshotSource interface {
	Latest() (domain.Snapshot, bool)
	History(limit int) []domain.Snapshot
}

// SimulationHandler serves the live simulation state.
type SimulationHandler struct {
	sim    SimulationView
	snaps  SnapshotSource
	prices domain.PriceCache
	tokens []string
	logger *slog.Logger
}

// NewSimulationHandler creates a SimulationHandler. prices may be nil, in
// which case the prices endpoint falls back to the market view.
func NewSimulationHandler(sim SimulationView, snaps SnapshotSource, prices domain.PriceCache, tokens []string, logger *slog.Logger) *SimulationHandler {
	return &SimulationHandler{
		sim:    sim,
		snaps:  snaps,
		prices: prices,
		tokens: tokens,
		logger: logHandler(logger, "simulation"),
	}
}

// GetMarket returns market parameters, prices, totals and liquidator proceeds.
// GET /api/simulation/market
func (h *SimulationHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sim.MarketView())
}

// GetSnapshot returns the snapshot of the last completed block.
// GET /api/simulation/snapshot
func (h *SimulationHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snaps.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no block has been simulated yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetHistory returns recent snapshots, oldest first.
// GET /api/simulation/history?limit=100
func (h *SimulationHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	snaps := h.snaps.History(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

// GetUser returns one account with its current risk.
// GET /api/simulation/users/{id}
func (h *SimulationHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(pathParam(r, "id"))
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	u, err := h.sim.User(id)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetPrices returns the latest price per token. With a price cache the values
// come from Redis; otherwise from the market itself.
// GET /api/prices
func (h *SimulationHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		mv := h.sim.MarketView()
		writeJSON(w, http.StatusOK, map[string]any{
			"source": "market",
			"prices": map[string]float64{
				mv.SupplyToken: mv.Prices.Supply.InexactFloat64(),
				mv.DebtToken:   mv.Prices.Debt.InexactFloat64(),
			},
		})
		return
	}

	prices, err := h.prices.GetPrices(r.Context(), h.tokens)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to read prices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source": "cache",
		"prices": prices,
	})
}
