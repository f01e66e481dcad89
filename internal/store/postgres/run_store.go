package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// RunStore implements domain.RunStore using PostgreSQL.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a new RunStore backed by the given connection pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const runSelectCols = `id, name, status, seed::text, max_blocks, blocks_run,
	params, error, started_at, finished_at`

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		r          domain.Run
		status     string
		seed       string
		maxBlocks  int64
		blocksRun  int64
		paramsJSON []byte
	)
	if err := row.Scan(
		&r.ID, &r.Name, &status, &seed, &maxBlocks, &blocksRun,
		&paramsJSON, &r.Error, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return domain.Run{}, err
	}

	r.Status = domain.RunStatus(status)
	r.MaxBlocks = uint64(maxBlocks)
	r.BlocksRun = uint64(blocksRun)

	var err error
	if r.Seed, err = parseSeed(seed); err != nil {
		return domain.Run{}, fmt.Errorf("parse seed %q: %w", seed, err)
	}
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &r.Params); err != nil {
			return domain.Run{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	return r, nil
}

// Create inserts a new run. A duplicate id yields domain.ErrAlreadyExists.
func (s *RunStore) Create(ctx context.Context, run domain.Run) error {
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("postgres: marshal run params: %w", err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO runs (id, name, status, seed, max_blocks, blocks_run, params, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, query,
		run.ID, run.Name, string(run.Status), formatSeed(run.Seed),
		int64(run.MaxBlocks), int64(run.BlocksRun), paramsJSON, run.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: create run %s: %w", run.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create run %s: %w", run.ID, err)
	}
	return nil
}

// Finish records the terminal status of a run.
func (s *RunStore) Finish(ctx context.Context, id string, status domain.RunStatus, blocksRun uint64, runErr string) error {
	const query = `
		UPDATE runs
		SET status = $2, blocks_run = $3, error = $4, finished_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status), int64(blocksRun), runErr)
	if err != nil {
		return fmt.Errorf("postgres: finish run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finish run %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns a single run.
func (s *RunStore) GetByID(ctx context.Context, id string) (domain.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runSelectCols+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, fmt.Errorf("postgres: get run %s: %w", id, domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("postgres: get run %s: %w", id, err)
	}
	return r, nil
}

// ListRecent returns the newest runs first.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runSelectCols+` FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list runs rows: %w", err)
	}
	return runs, nil
}
