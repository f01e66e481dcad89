package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the per-block metrics record produced after a simulation step.
type Snapshot struct {
	Block            uint64          `json:"block"`
	TotalSupplied    decimal.Decimal `json:"total_supplied"`
	TotalBorrowed    decimal.Decimal `json:"total_borrowed"`
	SupplyPrice      decimal.Decimal `json:"supply_price"`
	DebtPrice        decimal.Decimal `json:"debt_price"`
	BadDebtUserCount int             `json:"bad_debt_user_count"`
	BadDebtUSD       decimal.Decimal `json:"bad_debt_usd"`

	// Activity within the block that produced the snapshot.
	Liquidations    int `json:"liquidations"`
	NewBadDebtUsers int `json:"new_bad_debt_users"`
	AppliedActions  int `json:"applied_actions"`
	RejectedActions int `json:"rejected_actions"`
}

// Liquidation records one liquidation call against one account.
type Liquidation struct {
	Block        uint64          `json:"block"`
	UserID       int             `json:"user_id"`
	Liquidator   string          `json:"liquidator"`
	Repaid       decimal.Decimal `json:"repaid"`
	Seized       decimal.Decimal `json:"seized"`
	ResidualDebt decimal.Decimal `json:"residual_debt"`
	BadDebt      bool            `json:"bad_debt"`
}

// RunStatus is the lifecycle state of a simulation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Run describes one simulation run and the parameters it was started with.
type Run struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     RunStatus      `json:"status"`
	Seed       uint64         `json:"seed"`
	MaxBlocks  uint64         `json:"max_blocks"`
	BlocksRun  uint64         `json:"blocks_run"`
	Params     map[string]any `json:"params,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
