package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given connection pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// InsertBatch writes snapshots using a pgx Batch. Re-inserting a block
// overwrites the earlier row, so a retried flush is harmless.
func (s *SnapshotStore) InsertBatch(ctx context.Context, runID string, snaps []domain.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO snapshots (
			run_id, block, total_supplied, total_borrowed,
			supply_price, debt_price, bad_debt_user_count, bad_debt_usd,
			liquidations, new_bad_debt_users, applied_actions, rejected_actions
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12
		) ON CONFLICT (run_id, block) DO UPDATE SET
			total_supplied = EXCLUDED.total_supplied,
			total_borrowed = EXCLUDED.total_borrowed,
			supply_price = EXCLUDED.supply_price,
			debt_price = EXCLUDED.debt_price,
			bad_debt_user_count = EXCLUDED.bad_debt_user_count,
			bad_debt_usd = EXCLUDED.bad_debt_usd,
			liquidations = EXCLUDED.liquidations,
			new_bad_debt_users = EXCLUDED.new_bad_debt_users,
			applied_actions = EXCLUDED.applied_actions,
			rejected_actions = EXCLUDED.rejected_actions`

	for _, sn := range snaps {
		batch.Queue(query,
			runID, int64(sn.Block), sn.TotalSupplied.String(), sn.TotalBorrowed.String(),
			sn.SupplyPrice.String(), sn.DebtPrice.String(), sn.BadDebtUserCount, sn.BadDebtUSD.String(),
			sn.Liquidations, sn.NewBadDebtUsers, sn.AppliedActions, sn.RejectedActions,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range snaps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert snapshot batch item %d (block %d): %w", i, snaps[i].Block, err)
		}
	}
	return nil
}

// ListByRun returns a run's snapshots in block order. The time window in
// opts applies to the time each row was recorded.
func (s *SnapshotStore) ListByRun(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.Snapshot, error) {
	query, args := listQuery(`
		SELECT block, total_supplied::text, total_borrowed::text,
			supply_price::text, debt_price::text, bad_debt_user_count, bad_debt_usd::text,
			liquidations, new_bad_debt_users, applied_actions, rejected_actions
		FROM snapshots WHERE run_id = $1`,
		[]any{runID}, "recorded_at", "block ASC", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		var (
			sn    domain.Snapshot
			block int64
			nums  = make([]string, 5)
		)
		if err := rows.Scan(
			&block, &nums[0], &nums[1],
			&nums[2], &nums[3], &sn.BadDebtUserCount, &nums[4],
			&sn.Liquidations, &sn.NewBadDebtUsers, &sn.AppliedActions, &sn.RejectedActions,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		sn.Block = uint64(block)
		if err := parseDecimals([]*decimal.Decimal{
			&sn.TotalSupplied, &sn.TotalBorrowed, &sn.SupplyPrice, &sn.DebtPrice, &sn.BadDebtUSD,
		}, nums); err != nil {
			return nil, fmt.Errorf("postgres: snapshot block %d: %w", block, err)
		}
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list snapshots rows: %w", err)
	}
	return out, nil
}
