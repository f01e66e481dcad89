// Package lending holds the economic state machine of a single-pair lending
// market: the aggregate ledger, user accounts and the liquidation agent.
package lending

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// amountScale bounds the fractional digits carried by computed token
// amounts so repeated multiplication cannot grow them without limit.
const amountScale int32 = 18

var one = decimal.NewFromInt(1)

// Params are the market risk parameters, constant for a run.
type Params struct {
	LiquidationBonus     decimal.Decimal `json:"liquidation_bonus"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold"`
	ClosingFactor        decimal.Decimal `json:"closing_factor"`
}

// Validate reports ErrMarketConfig when any parameter is out of range.
func (p Params) Validate() error {
	if !p.LiquidationBonus.IsPositive() || p.LiquidationBonus.GreaterThan(one) {
		return fmt.Errorf("%w: liquidation bonus %s not in (0, 1]", domain.ErrMarketConfig, p.LiquidationBonus)
	}
	if !p.LiquidationThreshold.IsPositive() || p.LiquidationThreshold.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: liquidation threshold %s not in (0, 1)", domain.ErrMarketConfig, p.LiquidationThreshold)
	}
	if !p.ClosingFactor.IsPositive() || p.ClosingFactor.GreaterThan(one) {
		return fmt.Errorf("%w: closing factor %s not in (0, 1]", domain.ErrMarketConfig, p.ClosingFactor)
	}
	return nil
}

// Config describes a market at construction time.
type Config struct {
	SupplyToken string
	DebtToken   string
	SupplyPrice decimal.Decimal
	DebtPrice   decimal.Decimal
	Params      Params

	// BadDebtClearable lets a full repay lift the bad-debt flag. When false
	// bad debt is terminal for the run.
	BadDebtClearable bool
}

// Prices is the current USD price pair.
type Prices struct {
	Supply decimal.Decimal `json:"supply"`
	Debt   decimal.Decimal `json:"debt"`
}

// Totals is the aggregate ledger in token units.
type Totals struct {
	Supplied decimal.Decimal `json:"supplied"`
	Borrowed decimal.Decimal `json:"borrowed"`
}

// Delta is a signed change to the aggregate ledger.
type Delta struct {
	Supplied decimal.Decimal
	Borrowed decimal.Decimal
}

// Market holds the risk parameters, the price pair and the aggregate ledger.
// It knows nothing about individual accounts.
type Market struct {
	mu sync.RWMutex

	supplyToken string
	debtToken   string
	clearable   bool

	block         uint64
	prices        Prices
	totalSupplied decimal.Decimal
	totalBorrowed decimal.Decimal
	params        Params
}

// NewMarket validates cfg and returns an empty market at block 0.
func NewMarket(cfg Config) (*Market, error) {
	if cfg.SupplyToken == "" || cfg.DebtToken == "" {
		return nil, fmt.Errorf("%w: token identifiers must not be empty", domain.ErrMarketConfig)
	}
	if cfg.SupplyToken == cfg.DebtToken {
		return nil, fmt.Errorf("%w: supply and debt token must differ (%s)", domain.ErrMarketConfig, cfg.SupplyToken)
	}
	if err := validatePrices(cfg.SupplyPrice, cfg.DebtPrice); err != nil {
		return nil, err
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	return &Market{
		supplyToken:   cfg.SupplyToken,
		debtToken:     cfg.DebtToken,
		clearable:     cfg.BadDebtClearable,
		prices:        Prices{Supply: cfg.SupplyPrice, Debt: cfg.DebtPrice},
		totalSupplied: decimal.Zero,
		totalBorrowed: decimal.Zero,
		params:        cfg.Params,
	}, nil
}

func validatePrices(supply, debt decimal.Decimal) error {
	if !supply.IsPositive() || !debt.IsPositive() {
		return fmt.Errorf("%w: prices must be positive (supply=%s debt=%s)", domain.ErrMarketConfig, supply, debt)
	}
	return nil
}

// UpdatePrices replaces the price pair. Risk is recomputed by the caller.
func (m *Market) UpdatePrices(supply, debt decimal.Decimal) error {
	if err := validatePrices(supply, debt); err != nil {
		return err
	}
	m.mu.Lock()
	m.prices = Prices{Supply: supply, Debt: debt}
	m.mu.Unlock()
	return nil
}

// UpdateParameters swaps the risk parameters between runs. An invalid set
// leaves the current parameters in place.
func (m *Market) UpdateParameters(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.params = p
	m.mu.Unlock()
	return nil
}

// UpdateTotalAmounts applies one transaction's delta to the aggregate
// ledger. A delta that would drive either aggregate negative is refused and
// nothing changes.
func (m *Market) UpdateTotalAmounts(d Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	supplied := m.totalSupplied.Add(d.Supplied)
	borrowed := m.totalBorrowed.Add(d.Borrowed)
	if supplied.IsNegative() || borrowed.IsNegative() {
		return fmt.Errorf("%w: delta (%s, %s) drives totals negative", domain.ErrLedgerInvariant, d.Supplied, d.Borrowed)
	}
	m.totalSupplied = supplied
	m.totalBorrowed = borrowed
	return nil
}

// AdvanceBlock moves the market to the next block and returns it.
func (m *Market) AdvanceBlock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block++
	return m.block
}

func (m *Market) Block() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.block
}

func (m *Market) Prices() Prices {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prices
}

func (m *Market) Params() Params {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params
}

func (m *Market) Totals() Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Totals{Supplied: m.totalSupplied, Borrowed: m.totalBorrowed}
}

func (m *Market) SupplyToken() string { return m.supplyToken }

func (m *Market) DebtToken() string { return m.debtToken }

// BadDebtClearable reports whether a full repay lifts the bad-debt flag.
func (m *Market) BadDebtClearable() bool { return m.clearable }
