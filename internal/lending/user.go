package lending

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// Risk is the derived solvency view of an account at the current prices.
// It is recomputed on demand and never stored.
type Risk struct {
	SuppliedUSD decimal.Decimal `json:"supplied_usd"`
	BorrowedUSD decimal.Decimal `json:"borrowed_usd"`
	LTV         decimal.Decimal `json:"ltv"`
	// Unbounded is set when debt is outstanding against zero collateral.
	// LTV is left at zero in that case.
	Unbounded bool `json:"unbounded"`
}

// Liquidatable reports whether the position is at or past threshold.
func (r Risk) Liquidatable(threshold decimal.Decimal) bool {
	return r.Unbounded || r.LTV.GreaterThanOrEqual(threshold)
}

// Underwater reports whether debt is worth at least the collateral.
func (r Risk) Underwater() bool {
	return r.Unbounded || r.LTV.GreaterThanOrEqual(one)
}

func computeRisk(supplied, borrowed decimal.Decimal, p Prices) Risk {
	r := Risk{
		SuppliedUSD: supplied.Mul(p.Supply),
		BorrowedUSD: borrowed.Mul(p.Debt),
		LTV:         decimal.Zero,
	}
	switch {
	case r.SuppliedUSD.IsZero() && r.BorrowedUSD.IsZero():
	case r.SuppliedUSD.IsZero():
		r.Unbounded = true
	default:
		r.LTV = r.BorrowedUSD.Div(r.SuppliedUSD)
	}
	return r
}

// Status is the derived risk state of an account.
type Status int

const (
	StatusHealthy Status = iota
	StatusLiquidatable
	StatusBadDebt
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusLiquidatable:
		return "liquidatable"
	case StatusBadDebt:
		return "bad_debt"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// User is a single account. Balances are token quantities.
type User struct {
	id       int
	supplied decimal.Decimal
	borrowed decimal.Decimal
	badDebt  bool
}

// NewUser returns an empty account.
func NewUser(id int) *User {
	return &User{id: id, supplied: decimal.Zero, borrowed: decimal.Zero}
}

func (u *User) ID() int                   { return u.id }
func (u *User) Supplied() decimal.Decimal { return u.supplied }
func (u *User) Borrowed() decimal.Decimal { return u.borrowed }
func (u *User) BadDebt() bool             { return u.badDebt }

// RecomputeRisk derives USD values and LTV from balances and market prices.
// It does not mutate anything and may run concurrently for distinct users.
func (u *User) RecomputeRisk(m *Market) Risk {
	return computeRisk(u.supplied, u.borrowed, m.Prices())
}

// RiskStatus places the account in the healthy/liquidatable/bad-debt machine.
func (u *User) RiskStatus(m *Market) Status {
	if u.badDebt {
		return StatusBadDebt
	}
	if u.RecomputeRisk(m).Liquidatable(m.Params().LiquidationThreshold) {
		return StatusLiquidatable
	}
	return StatusHealthy
}

// Deposit adds collateral.
func (u *User) Deposit(m *Market, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("lending: deposit %s: %w", amount, domain.ErrInvalidAmount)
	}
	if err := m.UpdateTotalAmounts(Delta{Supplied: amount, Borrowed: decimal.Zero}); err != nil {
		return fmt.Errorf("lending: deposit: %w", err)
	}
	u.supplied = u.supplied.Add(amount)
	return nil
}

// Withdraw removes collateral. It is refused when the account would end at
// or past the liquidation threshold.
func (u *User) Withdraw(m *Market, amount decimal.Decimal) error {
	if !amount.IsPositive() || amount.GreaterThan(u.supplied) {
		return fmt.Errorf("lending: withdraw %s of %s: %w", amount, u.supplied, domain.ErrInvalidAmount)
	}
	next := u.supplied.Sub(amount)
	if u.borrowed.IsPositive() {
		r := computeRisk(next, u.borrowed, m.Prices())
		if r.Liquidatable(m.Params().LiquidationThreshold) {
			return fmt.Errorf("lending: withdraw %s (ltv %s): %w", amount, r.LTV.StringFixed(4), domain.ErrRiskLimitExceeded)
		}
	}
	if err := m.UpdateTotalAmounts(Delta{Supplied: amount.Neg(), Borrowed: decimal.Zero}); err != nil {
		return fmt.Errorf("lending: withdraw: %w", err)
	}
	u.supplied = next
	return nil
}

// Borrow draws debt. Bad-debt accounts may not borrow, and the resulting
// LTV must stay below the liquidation threshold.
func (u *User) Borrow(m *Market, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("lending: borrow %s: %w", amount, domain.ErrInvalidAmount)
	}
	if u.badDebt {
		return fmt.Errorf("lending: borrow by user %d: %w", u.id, domain.ErrInsolventOperation)
	}
	next := u.borrowed.Add(amount)
	r := computeRisk(u.supplied, next, m.Prices())
	if r.Liquidatable(m.Params().LiquidationThreshold) {
		return fmt.Errorf("lending: borrow %s (ltv %s): %w", amount, r.LTV.StringFixed(4), domain.ErrRiskLimitExceeded)
	}
	if err := m.UpdateTotalAmounts(Delta{Supplied: decimal.Zero, Borrowed: amount}); err != nil {
		return fmt.Errorf("lending: borrow: %w", err)
	}
	u.borrowed = next
	return nil
}

// Repay pays down debt, capped at the outstanding amount.
func (u *User) Repay(m *Market, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("lending: repay %s: %w", amount, domain.ErrInvalidAmount)
	}
	if !u.borrowed.IsPositive() {
		return fmt.Errorf("lending: repay with no debt outstanding: %w", domain.ErrInvalidAmount)
	}
	amount = decimal.Min(amount, u.borrowed)
	if err := m.UpdateTotalAmounts(Delta{Supplied: decimal.Zero, Borrowed: amount.Neg()}); err != nil {
		return fmt.Errorf("lending: repay: %w", err)
	}
	u.borrowed = u.borrowed.Sub(amount)
	if u.badDebt && u.borrowed.IsZero() && m.BadDebtClearable() {
		u.badDebt = false
	}
	return nil
}

// ExecuteTransaction dispatches a discretionary action. Every rejection is
// one of the user-level sentinel errors and leaves state untouched.
func (u *User) ExecuteTransaction(m *Market, a Action) error {
	switch a.Kind {
	case ActionDeposit:
		return u.Deposit(m, a.Amount)
	case ActionWithdraw:
		return u.Withdraw(m, a.Amount)
	case ActionBorrow:
		return u.Borrow(m, a.Amount)
	case ActionRepay:
		return u.Repay(m, a.Amount)
	default:
		return fmt.Errorf("lending: action %d: %w", int(a.Kind), domain.ErrInvalidAction)
	}
}

// seize applies a liquidation to the account after the market accepted the
// matching delta.
func (u *User) seize(collateral, debt decimal.Decimal) {
	u.supplied = u.supplied.Sub(collateral)
	u.borrowed = u.borrowed.Sub(debt)
}

func (u *User) markBadDebt() { u.badDebt = true }
