package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendingsim/internal/config"
	"github.com/alanyoungcy/lendingsim/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func smallConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Users.Count = 40
	cfg.Users.TotalCollateralUSD = 4_000_000
	cfg.Simulation.MaxBlocks = 5
	cfg.Simulation.Workers = 2
	cfg.Simulation.CheckInvariants = true
	cfg.Simulation.ArchiveOnComplete = false
	cfg.Notify.Events = nil
	return &cfg
}

func TestBuildSimulationIsDeterministic(t *testing.T) {
	run := func() []domain.Snapshot {
		cfg := smallConfig()
		sim, err := BuildSimulation(cfg, &Dependencies{}, nil, discard())
		require.NoError(t, err)
		assert.Equal(t, 40, sim.UserCount())

		var snaps []domain.Snapshot
		for range 5 {
			snap, err := sim.Step(context.Background())
			require.NoError(t, err)
			snaps = append(snaps, snap)
		}
		return snaps
	}

	a, b := run(), run()
	require.Len(t, a, 5)
	for i := range a {
		assert.Equal(t, a[i].Block, b[i].Block)
		assert.True(t, a[i].TotalSupplied.Equal(b[i].TotalSupplied), "block %d supplied", a[i].Block)
		assert.True(t, a[i].TotalBorrowed.Equal(b[i].TotalBorrowed), "block %d borrowed", a[i].Block)
		assert.True(t, a[i].SupplyPrice.Equal(b[i].SupplyPrice), "block %d price", a[i].Block)
	}
}

func TestBuildSimulationSeriesFeed(t *testing.T) {
	cfg := smallConfig()
	cfg.PriceFeed.Kind = "series"
	cfg.PriceFeed.SeriesSupply = []float64{100_000, 60_000}
	cfg.PriceFeed.SeriesDebt = []float64{1, 1}

	sim, err := BuildSimulation(cfg, &Dependencies{}, nil, discard())
	require.NoError(t, err)

	_, err = sim.Step(context.Background())
	require.NoError(t, err)
	snap, err := sim.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "60000", snap.SupplyPrice.String())

	// The series is exhausted after two blocks.
	_, err = sim.Step(context.Background())
	assert.Error(t, err)
}

func TestBuildSimulationRejectsBadMarket(t *testing.T) {
	cfg := smallConfig()
	cfg.Market.DebtToken = cfg.Market.SupplyToken
	_, err := BuildSimulation(cfg, &Dependencies{}, nil, discard())
	require.ErrorIs(t, err, domain.ErrMarketConfig)
}

func TestRunModeWithoutBackends(t *testing.T) {
	a := New(smallConfig(), discard())
	defer a.Close()

	require.NoError(t, a.Run(context.Background()))
}

func TestServeModeStopsOnCancel(t *testing.T) {
	cfg := smallConfig()
	cfg.Mode = "serve"
	cfg.Server.Port = 0
	cfg.Simulation.BlockInterval.Duration = 5 * time.Millisecond

	a := New(cfg, discard())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	defer cancel()
	assert.NoError(t, a.Run(ctx))
}

func TestRunParams(t *testing.T) {
	p := runParams(smallConfig())
	assert.Equal(t, "WBTC", p["supply_token"])
	assert.Equal(t, 40, p["users"])
	assert.Equal(t, "random_walk", p["price_feed"])
}
