package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrUnavailable   = errors.New("backend not configured")
	ErrRunInProgress = errors.New("run still in progress")

	// Rejections raised by user transactions. They leave all state untouched.
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrRiskLimitExceeded  = errors.New("risk limit exceeded")
	ErrInsolventOperation = errors.New("operation not permitted for bad-debt account")
	ErrInvalidAction      = errors.New("invalid action kind")

	ErrNotLiquidatable = errors.New("position not liquidatable")

	// ErrMarketConfig is fatal: construction or parameter updates abort.
	ErrMarketConfig = errors.New("invalid market configuration")

	// ErrLedgerInvariant marks an aggregate that no longer matches the sum
	// of account balances. It is a defect, never an expected outcome.
	ErrLedgerInvariant = errors.New("ledger invariant violated")
)
