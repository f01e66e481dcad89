package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// LiquidationStore implements domain.LiquidationStore using PostgreSQL.
type LiquidationStore struct {
	pool *pgxpool.Pool
}

// NewLiquidationStore creates a new LiquidationStore backed by the given connection pool.
func NewLiquidationStore(pool *pgxpool.Pool) *LiquidationStore {
	return &LiquidationStore{pool: pool}
}

// InsertBatch appends liquidation events using a pgx Batch.
func (s *LiquidationStore) InsertBatch(ctx context.Context, runID string, events []domain.Liquidation) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO liquidations (
			run_id, block, user_id, liquidator,
			repaid, seized, residual_debt, bad_debt
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for _, ev := range events {
		batch.Queue(query,
			runID, int64(ev.Block), ev.UserID, ev.Liquidator,
			ev.Repaid.String(), ev.Seized.String(), ev.ResidualDebt.String(), ev.BadDebt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert liquidation batch item %d (block %d, user %d): %w",
				i, events[i].Block, events[i].UserID, err)
		}
	}
	return nil
}

// ListByRun returns a run's liquidations in the order they happened.
func (s *LiquidationStore) ListByRun(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.Liquidation, error) {
	query, args := listQuery(`
		SELECT block, user_id, liquidator,
			repaid::text, seized::text, residual_debt::text, bad_debt
		FROM liquidations WHERE run_id = $1`,
		[]any{runID}, "recorded_at", "block ASC, id ASC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list liquidations for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.Liquidation
	for rows.Next() {
		var (
			ev    domain.Liquidation
			block int64
			nums  = make([]string, 3)
		)
		if err := rows.Scan(
			&block, &ev.UserID, &ev.Liquidator,
			&nums[0], &nums[1], &nums[2], &ev.BadDebt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan liquidation: %w", err)
		}
		ev.Block = uint64(block)
		if err := parseDecimals([]*decimal.Decimal{&ev.Repaid, &ev.Seized, &ev.ResidualDebt}, nums); err != nil {
			return nil, fmt.Errorf("postgres: liquidation at block %d: %w", block, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list liquidations rows: %w", err)
	}
	return out, nil
}

// CountBadDebt returns how many distinct accounts a run flagged as bad debt
// through liquidation.
func (s *LiquidationStore) CountBadDebt(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_id) FROM liquidations WHERE run_id = $1 AND bad_debt`, runID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count bad debt for run %s: %w", runID, err)
	}
	return n, nil
}
