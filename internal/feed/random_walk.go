// Package feed provides price feeds for the simulator: a seeded random
// walk, a scripted series and a cache-mirroring decorator.
package feed

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"
)

// pricePrecision caps the fractional digits of walked prices.
const pricePrecision int32 = 12

// WalkConfig describes a two-token random walk.
type WalkConfig struct {
	SupplyPrice decimal.Decimal
	DebtPrice   decimal.Decimal
	// Step sizes in percent. Each block every price moves up or down by its
	// step with equal probability.
	SupplyStepPct float64
	DebtStepPct   float64
	Seed          uint64
}

// RandomWalk moves each price by a fixed percentage per block, direction
// chosen by a fair coin.
type RandomWalk struct {
	up         distuv.Bernoulli
	supply     decimal.Decimal
	debt       decimal.Decimal
	supplyStep decimal.Decimal
	debtStep   decimal.Decimal
	block      uint64
}

// NewRandomWalk validates cfg and returns a walk positioned at block 0.
func NewRandomWalk(cfg WalkConfig) (*RandomWalk, error) {
	if !cfg.SupplyPrice.IsPositive() || !cfg.DebtPrice.IsPositive() {
		return nil, fmt.Errorf("feed: initial prices must be positive (supply=%s debt=%s)", cfg.SupplyPrice, cfg.DebtPrice)
	}
	if cfg.SupplyStepPct < 0 || cfg.SupplyStepPct >= 100 || cfg.DebtStepPct < 0 || cfg.DebtStepPct >= 100 {
		return nil, fmt.Errorf("feed: step percentages must be in [0, 100), got %v and %v", cfg.SupplyStepPct, cfg.DebtStepPct)
	}
	hundred := decimal.NewFromInt(100)
	return &RandomWalk{
		up:         distuv.Bernoulli{P: 0.5, Src: rand.NewPCG(cfg.Seed, cfg.Seed^0xda942042e4dd58b5)},
		supply:     cfg.SupplyPrice,
		debt:       cfg.DebtPrice,
		supplyStep: decimal.NewFromFloat(cfg.SupplyStepPct).Div(hundred),
		debtStep:   decimal.NewFromFloat(cfg.DebtStepPct).Div(hundred),
	}, nil
}

// NextPrices advances the walk to block. Blocks must be requested in order
// starting at 1; block 0 returns the initial prices.
func (w *RandomWalk) NextPrices(_ context.Context, block uint64) (decimal.Decimal, decimal.Decimal, error) {
	if block == 0 && w.block == 0 {
		return w.supply, w.debt, nil
	}
	if block != w.block+1 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("feed: random walk at block %d cannot serve block %d", w.block, block)
	}
	w.supply = w.move(w.supply, w.supplyStep)
	w.debt = w.move(w.debt, w.debtStep)
	w.block = block
	return w.supply, w.debt, nil
}

func (w *RandomWalk) move(price, step decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(step)
	if w.up.Rand() == 1 {
		factor = decimal.NewFromInt(1).Add(step)
	}
	return price.Mul(factor).Round(pricePrecision)
}
