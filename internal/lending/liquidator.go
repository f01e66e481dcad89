package lending

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// DefaultMaxRounds bounds how often one account is liquidated in one block.
const DefaultMaxRounds = 32

// Proceeds accumulates what the liquidator has taken over a run. Seized
// collateral is never returned to the market.
type Proceeds struct {
	SeizedCollateral decimal.Decimal `json:"seized_collateral"`
	RepaidDebt       decimal.Decimal `json:"repaid_debt"`
	Liquidations     int             `json:"liquidations"`
}

// Liquidator repays debt of accounts at or past the threshold and seizes
// collateral plus the liquidation bonus.
type Liquidator struct {
	id        string
	maxRounds int

	mu       sync.Mutex
	proceeds Proceeds
}

// NewLiquidator returns a liquidator. A non-positive maxRounds falls back to
// DefaultMaxRounds.
func NewLiquidator(id string, maxRounds int) *Liquidator {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Liquidator{
		id:        id,
		maxRounds: maxRounds,
		proceeds:  Proceeds{SeizedCollateral: decimal.Zero, RepaidDebt: decimal.Zero},
	}
}

func (l *Liquidator) ID() string { return l.id }

func (l *Liquidator) Proceeds() Proceeds {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.proceeds
}

// ExecuteLiquidation runs one closing-factor bounded liquidation against u.
// When the bonus-adjusted seizure exceeds the remaining collateral, all
// collateral is taken, only the debt it covers is repaid and the account is
// flagged as bad debt.
func (l *Liquidator) ExecuteLiquidation(u *User, m *Market) (domain.Liquidation, error) {
	params := m.Params()
	prices := m.Prices()

	risk := computeRisk(u.supplied, u.borrowed, prices)
	if u.badDebt || !risk.Liquidatable(params.LiquidationThreshold) {
		return domain.Liquidation{}, fmt.Errorf("lending: liquidate user %d: %w", u.id, domain.ErrNotLiquidatable)
	}

	ev := domain.Liquidation{
		Block:      m.Block(),
		UserID:     u.id,
		Liquidator: l.id,
		Repaid:     decimal.Zero,
		Seized:     decimal.Zero,
	}

	if risk.Unbounded {
		u.markBadDebt()
		ev.ResidualDebt = u.borrowed
		ev.BadDebt = true
		return ev, nil
	}

	bonus := one.Add(params.LiquidationBonus)
	repay := decimal.Min(u.borrowed.Mul(params.ClosingFactor), u.borrowed).Truncate(amountScale)
	seize := repay.Mul(prices.Debt).Mul(bonus).Div(prices.Supply)

	insolvent := seize.GreaterThan(u.supplied)
	if insolvent {
		seize = u.supplied
		repay = decimal.Min(seize.Mul(prices.Supply).Div(bonus).Div(prices.Debt), u.borrowed)
	}

	if err := m.UpdateTotalAmounts(Delta{Supplied: seize.Neg(), Borrowed: repay.Neg()}); err != nil {
		return domain.Liquidation{}, fmt.Errorf("lending: liquidate user %d: %w", u.id, err)
	}
	u.seize(seize, repay)
	if insolvent {
		u.markBadDebt()
	}

	l.mu.Lock()
	l.proceeds.SeizedCollateral = l.proceeds.SeizedCollateral.Add(seize)
	l.proceeds.RepaidDebt = l.proceeds.RepaidDebt.Add(repay)
	l.proceeds.Liquidations++
	l.mu.Unlock()

	ev.Repaid = repay
	ev.Seized = seize
	ev.ResidualDebt = u.borrowed
	ev.BadDebt = insolvent
	return ev, nil
}

// ScanResult is the outcome of one block's liquidation pass.
type ScanResult struct {
	Events     []domain.Liquidation
	NewBadDebt int
}

// Scan liquidates every eligible account in ascending id order. users must
// already be sorted by id and risks must be index-aligned with users.
//
// An account is liquidated repeatedly until it is healthy or flagged, at
// most maxRounds times. An account still underwater afterwards is flagged as
// bad debt so none survives the block with LTV >= 1. One left between the
// threshold and 1 keeps its status and is liquidated again next block.
func (l *Liquidator) Scan(users []*User, m *Market, risks []Risk) (ScanResult, error) {
	if len(users) != len(risks) {
		return ScanResult{}, fmt.Errorf("lending: scan: %d users but %d risk entries", len(users), len(risks))
	}
	threshold := m.Params().LiquidationThreshold
	prices := m.Prices()

	var res ScanResult
	for i, u := range users {
		if u.badDebt || !risks[i].Liquidatable(threshold) {
			continue
		}

		risk := risks[i]
		for round := 0; round < l.maxRounds && !u.badDebt && risk.Liquidatable(threshold); round++ {
			ev, err := l.ExecuteLiquidation(u, m)
			if err != nil {
				return res, err
			}
			res.Events = append(res.Events, ev)
			risk = computeRisk(u.supplied, u.borrowed, prices)
		}

		if !u.badDebt && risk.Underwater() {
			u.markBadDebt()
		}
		if u.badDebt {
			res.NewBadDebt++
		}
	}
	return res, nil
}
