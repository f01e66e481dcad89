package app

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendingsim/internal/config"
	"github.com/alanyoungcy/lendingsim/internal/feed"
	"github.com/alanyoungcy/lendingsim/internal/lending"
	"github.com/alanyoungcy/lendingsim/internal/sampler"
	"github.com/alanyoungcy/lendingsim/internal/simulation"
)

// Seed offsets keep the feed, the sampler and the initial population on
// independent random streams derived from one configured seed.
const (
	feedSeedOffset    = 0
	samplerSeedOffset = 1
	usersSeedOffset   = 2
)

// BuildSimulation assembles market, population, feed, sampler and liquidator
// from cfg. The price feed mirrors into deps.PriceCache when Redis is wired.
func BuildSimulation(cfg *config.Config, deps *Dependencies, sinks []simulation.MetricsSink, logger *slog.Logger) (*simulation.Simulation, error) {
	market, err := lending.NewMarket(lending.Config{
		SupplyToken: cfg.Market.SupplyToken,
		DebtToken:   cfg.Market.DebtToken,
		SupplyPrice: decimal.NewFromFloat(cfg.Market.SupplyPrice),
		DebtPrice:   decimal.NewFromFloat(cfg.Market.DebtPrice),
		Params: lending.Params{
			LiquidationBonus:     decimal.NewFromFloat(cfg.Market.LiquidationBonus),
			LiquidationThreshold: decimal.NewFromFloat(cfg.Market.LiquidationThreshold),
			ClosingFactor:        decimal.NewFromFloat(cfg.Market.ClosingFactor),
		},
		BadDebtClearable: cfg.Market.BadDebtClearable,
	})
	if err != nil {
		return nil, fmt.Errorf("app: market: %w", err)
	}

	seed := cfg.Simulation.Seed
	users, err := simulation.SeedUsers(market, simulation.SeedConfig{
		Users:              cfg.Users.Count,
		Mu:                 cfg.Users.LTVMu,
		Sigma:              cfg.Users.LTVSigma,
		TotalCollateralUSD: decimal.NewFromFloat(cfg.Users.TotalCollateralUSD),
		Policy:             simulation.InitialPolicy(cfg.Users.InitialPolicy),
		ClampMargin:        cfg.Users.ClampMargin,
		Seed:               seed + usersSeedOffset,
	})
	if err != nil {
		return nil, fmt.Errorf("app: seed users: %w", err)
	}

	source, err := newPriceFeed(cfg, seed+feedSeedOffset)
	if err != nil {
		return nil, fmt.Errorf("app: price feed: %w", err)
	}
	var priceFeed simulation.PriceFeed = source
	if deps != nil && deps.PriceCache != nil {
		priceFeed = feed.NewCached(source, deps.PriceCache, cfg.Market.SupplyToken, cfg.Market.DebtToken, logger)
	}

	sim, err := simulation.New(
		simulation.Config{
			ActivityRate:    cfg.Simulation.ActivityRate,
			Workers:         cfg.Simulation.Workers,
			CheckInvariants: cfg.Simulation.CheckInvariants,
			BlockInterval:   cfg.BlockInterval(),
		},
		market,
		users,
		lending.NewLiquidator(cfg.Simulation.LiquidatorID, cfg.Simulation.MaxLiquidationRounds),
		priceFeed,
		sampler.NewRandom(seed+samplerSeedOffset, cfg.Sampler.MaxFraction),
		sinks,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	logger.Info("app: simulation built",
		slog.String("market", cfg.Market.SupplyToken+"/"+cfg.Market.DebtToken),
		slog.Int("users", len(users)),
		slog.String("feed", cfg.PriceFeed.Kind),
		slog.Uint64("seed", seed),
	)
	return sim, nil
}

func newPriceFeed(cfg *config.Config, seed uint64) (feed.Source, error) {
	switch cfg.PriceFeed.Kind {
	case "series":
		return feed.NewSeries(cfg.PriceFeed.SeriesSupply, cfg.PriceFeed.SeriesDebt)
	case "random_walk", "":
		return feed.NewRandomWalk(feed.WalkConfig{
			SupplyPrice:   decimal.NewFromFloat(cfg.Market.SupplyPrice),
			DebtPrice:     decimal.NewFromFloat(cfg.Market.DebtPrice),
			SupplyStepPct: cfg.PriceFeed.SupplyStepPct,
			DebtStepPct:   cfg.PriceFeed.DebtStepPct,
			Seed:          seed,
		})
	default:
		return nil, fmt.Errorf("unknown kind %q", cfg.PriceFeed.Kind)
	}
}

// runParams is the parameter set stored with a run record.
func runParams(cfg *config.Config) map[string]any {
	return map[string]any{
		"supply_token":          cfg.Market.SupplyToken,
		"debt_token":            cfg.Market.DebtToken,
		"supply_price":          cfg.Market.SupplyPrice,
		"debt_price":            cfg.Market.DebtPrice,
		"liquidation_bonus":     cfg.Market.LiquidationBonus,
		"liquidation_threshold": cfg.Market.LiquidationThreshold,
		"closing_factor":        cfg.Market.ClosingFactor,
		"bad_debt_clearable":    cfg.Market.BadDebtClearable,
		"users":                 cfg.Users.Count,
		"ltv_mu":                cfg.Users.LTVMu,
		"ltv_sigma":             cfg.Users.LTVSigma,
		"total_collateral_usd":  cfg.Users.TotalCollateralUSD,
		"initial_policy":        cfg.Users.InitialPolicy,
		"activity_rate":         cfg.Simulation.ActivityRate,
		"price_feed":            cfg.PriceFeed.Kind,
		"max_fraction":          cfg.Sampler.MaxFraction,
	}
}
