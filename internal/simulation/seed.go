package simulation

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/alanyoungcy/lendingsim/internal/lending"
)

// InitialPolicy decides what happens to an LTV draw at or above the
// liquidation threshold.
type InitialPolicy string

const (
	// PolicyResample redraws, falling back to clamping after maxResamples.
	PolicyResample InitialPolicy = "resample"
	// PolicyClamp keeps the draw. Both policies cap every draw at
	// threshold * (1 - ClampMargin).
	PolicyClamp InitialPolicy = "clamp"
)

const maxResamples = 64

// SeedConfig describes the initial population.
type SeedConfig struct {
	Users int
	// Mu is the median LTV; draws come from log-normal(ln Mu, Sigma).
	Mu                 float64
	Sigma              float64
	TotalCollateralUSD decimal.Decimal
	Policy             InitialPolicy
	// ClampMargin is the relative distance kept below the threshold.
	ClampMargin float64
	Seed        uint64
}

// SeedUsers creates the population and opens every position through the
// regular Deposit and Borrow operations, so the market ledger starts
// consistent. Collateral is allocated in proportion to each user's LTV draw.
func SeedUsers(m *lending.Market, cfg SeedConfig) ([]*lending.User, error) {
	if cfg.Users < 0 {
		return nil, fmt.Errorf("simulation: seed: negative user count %d", cfg.Users)
	}
	if cfg.Mu <= 0 || cfg.Sigma < 0 {
		return nil, fmt.Errorf("simulation: seed: invalid log-normal parameters mu=%v sigma=%v", cfg.Mu, cfg.Sigma)
	}
	if !cfg.TotalCollateralUSD.IsPositive() {
		return nil, fmt.Errorf("simulation: seed: total collateral must be positive, got %s", cfg.TotalCollateralUSD)
	}

	threshold, _ := m.Params().LiquidationThreshold.Float64()
	ltvs, err := drawLTVs(cfg, threshold)
	if err != nil {
		return nil, err
	}

	weights := make([]decimal.Decimal, len(ltvs))
	sum := decimal.Zero
	for i, v := range ltvs {
		weights[i] = decimal.NewFromFloat(v)
		sum = sum.Add(weights[i])
	}

	prices := m.Prices()
	users := make([]*lending.User, 0, len(ltvs))
	for i, ltv := range weights {
		u := lending.NewUser(i)
		users = append(users, u)
		if !ltv.IsPositive() {
			continue
		}

		collateralUSD := cfg.TotalCollateralUSD.Mul(ltv).Div(sum)
		supplied := collateralUSD.Div(prices.Supply)
		borrowed := collateralUSD.Mul(ltv).Div(prices.Debt)

		if err := u.Deposit(m, supplied); err != nil {
			return nil, fmt.Errorf("simulation: seed user %d: %w", i, err)
		}
		if borrowed.IsPositive() {
			if err := u.Borrow(m, borrowed); err != nil {
				return nil, fmt.Errorf("simulation: seed user %d (ltv %s): %w", i, ltv, err)
			}
		}
	}
	return users, nil
}

func drawLTVs(cfg SeedConfig, threshold float64) ([]float64, error) {
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyResample
	}
	if policy != PolicyResample && policy != PolicyClamp {
		return nil, fmt.Errorf("simulation: seed: unknown initial policy %q", policy)
	}

	margin := cfg.ClampMargin
	if margin <= 0 || margin >= 1 {
		margin = 1e-3
	}
	ceiling := threshold * (1 - margin)

	dist := distuv.LogNormal{
		Mu:    math.Log(cfg.Mu),
		Sigma: cfg.Sigma,
		Src:   rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15),
	}

	out := make([]float64, cfg.Users)
	for i := range out {
		v := dist.Rand()
		if policy == PolicyResample {
			for try := 0; v >= threshold && try < maxResamples; try++ {
				v = dist.Rand()
			}
		}
		out[i] = math.Min(v, ceiling)
	}
	return out, nil
}
