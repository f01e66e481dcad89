package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendingsim/internal/domain"
	"github.com/alanyoungcy/lendingsim/internal/lending"
	"github.com/alanyoungcy/lendingsim/internal/simulation"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

type fakeSim struct {
	view  simulation.MarketView
	users map[int]simulation.UserView
}

func (f *fakeSim) MarketView() simulation.MarketView { return f.view }

func (f *fakeSim) User(id int) (simulation.UserView, error) {
	u, ok := f.users[id]
	if !ok {
		return simulation.UserView{}, fmt.Errorf("simulation: user %d: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

type fakeSnaps struct {
	history []domain.Snapshot
}

func (f *fakeSnaps) Latest() (domain.Snapshot, bool) {
	if len(f.history) == 0 {
		return domain.Snapshot{}, false
	}
	return f.history[len(f.history)-1], true
}

func (f *fakeSnaps) History(limit int) []domain.Snapshot {
	if limit > 0 && len(f.history) > limit {
		return f.history[len(f.history)-limit:]
	}
	return f.history
}

type fakePrices struct {
	prices map[string]float64
	err    error
}

func (f *fakePrices) SetPrice(context.Context, string, float64, time.Time) error { return nil }
func (f *fakePrices) GetPrice(context.Context, string) (float64, time.Time, error) {
	return 0, time.Time{}, nil
}
func (f *fakePrices) GetPrices(_ context.Context, tokens []string) (map[string]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		out[t] = f.prices[t]
	}
	return out, nil
}

func newSimHandler(prices domain.PriceCache, history ...domain.Snapshot) *SimulationHandler {
	sim := &fakeSim{
		view: simulation.MarketView{
			SupplyToken: "WBTC",
			DebtToken:   "USDC",
			Block:       3,
			Prices:      lending.Prices{Supply: decimal.NewFromInt(95000), Debt: decimal.NewFromInt(1)},
		},
		users: map[int]simulation.UserView{
			4: {ID: 4, Supplied: decimal.NewFromInt(1), Borrowed: decimal.NewFromInt(100), Status: "healthy"},
		},
	}
	return NewSimulationHandler(sim, &fakeSnaps{history: history}, prices, []string{"WBTC", "USDC"}, discard())
}

func TestGetSnapshot(t *testing.T) {
	rec := httptest.NewRecorder()
	newSimHandler(nil).GetSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/simulation/snapshot", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	newSimHandler(nil, domain.Snapshot{Block: 1}, domain.Snapshot{Block: 2, BadDebtUserCount: 5}).
		GetSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/simulation/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["block"])
	assert.EqualValues(t, 5, body["bad_debt_user_count"])
}

func TestGetHistory(t *testing.T) {
	h := newSimHandler(nil, domain.Snapshot{Block: 1}, domain.Snapshot{Block: 2}, domain.Snapshot{Block: 3})

	rec := httptest.NewRecorder()
	h.GetHistory(rec, httptest.NewRequest(http.MethodGet, "/api/simulation/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = httptest.NewRecorder()
	h.GetHistory(rec, httptest.NewRequest(http.MethodGet, "/api/simulation/history?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUser(t *testing.T) {
	h := newSimHandler(nil)

	tests := []struct {
		id   string
		want int
	}{
		{"4", http.StatusOK},
		{"5", http.StatusNotFound},
		{"-1", http.StatusBadRequest},
		{"x", http.StatusBadRequest},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/simulation/users/"+tc.id, nil)
		req.SetPathValue("id", tc.id)
		rec := httptest.NewRecorder()
		h.GetUser(rec, req)
		assert.Equal(t, tc.want, rec.Code, "id %s", tc.id)
	}
}

func TestGetPrices(t *testing.T) {
	t.Run("market fallback", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newSimHandler(nil).GetPrices(rec, httptest.NewRequest(http.MethodGet, "/api/prices", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "market", body["source"])
		assert.EqualValues(t, 95000, body["prices"].(map[string]any)["WBTC"])
	})

	t.Run("cache", func(t *testing.T) {
		rec := httptest.NewRecorder()
		cache := &fakePrices{prices: map[string]float64{"WBTC": 94000, "USDC": 0.999}}
		newSimHandler(cache).GetPrices(rec, httptest.NewRequest(http.MethodGet, "/api/prices", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "cache", body["source"])
		assert.EqualValues(t, 0.999, body["prices"].(map[string]any)["USDC"])
	})

	t.Run("cache error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newSimHandler(&fakePrices{err: errors.New("redis down")}).
			GetPrices(rec, httptest.NewRequest(http.MethodGet, "/api/prices", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "failed to read prices", decode(t, rec)["error"])
	})
}

func TestHealthCheck(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]Checker{"postgres": ok, "redis": ok}, discard()).
		HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]Checker{"postgres": ok, "redis": down}, discard()).
		HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"postgres": "ok", "redis": "error"}, body["backends"])
}

type runTracker struct{ run domain.Run }

func (r runTracker) Current() (domain.Run, bool) { return r.run, r.run.ID != "" }

func TestGetStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	NewStatusHandler("serve", runTracker{run: domain.Run{ID: "r1", Status: domain.RunStatusRunning}}, time.Now().Add(-time.Minute)).
		GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "serve", body["mode"])
	assert.GreaterOrEqual(t, body["uptime_seconds"].(float64), 59.0)
	assert.Equal(t, "running", body["run"].(map[string]any)["status"])
}

type fakeHistory struct {
	err      error
	lastOpts domain.ListOpts
}

func (f *fakeHistory) ListRuns(context.Context, int) ([]domain.Run, error) {
	return []domain.Run{{ID: "a"}, {ID: "b"}}, f.err
}
func (f *fakeHistory) GetRun(_ context.Context, id string) (domain.Run, error) {
	return domain.Run{ID: id}, f.err
}
func (f *fakeHistory) Snapshots(_ context.Context, _ string, opts domain.ListOpts) ([]domain.Snapshot, error) {
	f.lastOpts = opts
	return nil, f.err
}
func (f *fakeHistory) Liquidations(_ context.Context, _ string, opts domain.ListOpts) ([]domain.Liquidation, error) {
	f.lastOpts = opts
	return nil, f.err
}
func (f *fakeHistory) Audit(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, f.err
}
func (f *fakeHistory) Archive(_ context.Context, id string) (domain.ArchiveResult, error) {
	return domain.ArchiveResult{RunID: id}, f.err
}
func (f *fakeHistory) ArchivedRun(_ context.Context, id string) (domain.ArchiveManifest, error) {
	if f.err != nil {
		return domain.ArchiveManifest{}, f.err
	}
	return domain.ArchiveManifest{
		ArchiveResult: domain.ArchiveResult{RunID: id, Snapshots: 120, Liquidations: 4},
		ArchivedAt:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}
func (f *fakeHistory) ArchivedRuns(context.Context) ([]string, error) {
	return []string{"a", "b", "c"}, f.err
}

func TestRunHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("history_service: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("history_service: %w", domain.ErrUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("history_service: %w", domain.ErrRunInProgress), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		h := NewRunHandler(&fakeHistory{err: tc.err}, discard())
		req := httptest.NewRequest(http.MethodPost, "/api/runs/r1/archive", nil)
		req.SetPathValue("id", "r1")
		rec := httptest.NewRecorder()
		h.ArchiveRun(rec, req)
		assert.Equal(t, tc.want, rec.Code, "err %v", tc.err)
	}
}

func TestGetArchive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/runs/r1/archive", nil)
	req.SetPathValue("id", "r1")
	rec := httptest.NewRecorder()
	NewRunHandler(&fakeHistory{}, discard()).GetArchive(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "r1", body["run_id"])
	assert.EqualValues(t, 120, body["snapshots"])
	assert.Equal(t, "2026-04-01T00:00:00Z", body["archived_at"])

	rec = httptest.NewRecorder()
	NewRunHandler(&fakeHistory{err: fmt.Errorf("history_service: %w", domain.ErrNotFound)}, discard()).
		GetArchive(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListArchives(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRunHandler(&fakeHistory{}, discard()).
		ListArchives(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["count"])
}

func TestListSnapshotsPagination(t *testing.T) {
	fh := &fakeHistory{}
	h := NewRunHandler(fh, discard())

	req := httptest.NewRequest(http.MethodGet,
		"/api/runs/r1/snapshots?limit=9000&offset=20&since=2026-01-02T00:00:00Z&until=bad", nil)
	req.SetPathValue("id", "r1")
	rec := httptest.NewRecorder()
	h.ListSnapshots(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, fh.lastOpts.Limit)
	assert.Equal(t, 20, fh.lastOpts.Offset)
	require.NotNil(t, fh.lastOpts.Since)
	assert.Equal(t, 2026, fh.lastOpts.Since.Year())
	assert.Nil(t, fh.lastOpts.Until)
}

func TestListRuns(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRunHandler(&fakeHistory{}, discard()).
		ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])
}
