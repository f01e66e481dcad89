package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends a new audit entry. The detail map is stored as JSONB and its
// "run_id" value, when it is a string, is copied into an indexed column.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	var runID *string
	if v, ok := detail["run_id"].(string); ok && v != "" {
		runID = &v
	}

	const query = `INSERT INTO audit_log (event, run_id, detail) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, event, runID, detailJSON); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries, newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := listQuery(
		`SELECT id, event, run_id, detail, created_at FROM audit_log WHERE 1=1`,
		nil, "created_at", "created_at DESC", opts)
	return s.query(ctx, query, args)
}

// ListByRun returns the audit trail of one run, oldest first.
func (s *AuditStore) ListByRun(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := listQuery(
		`SELECT id, event, run_id, detail, created_at FROM audit_log WHERE run_id = $1`,
		[]any{runID}, "created_at", "created_at ASC, id ASC", opts)
	return s.query(ctx, query, args)
}

func (s *AuditStore) query(ctx context.Context, query string, args []any) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var (
			e          domain.AuditEntry
			runID      *string
			detailJSON []byte
		)
		if err := row.Scan(&e.ID, &e.Event, &runID, &detailJSON, &e.CreatedAt); err != nil {
			return e, err
		}
		if runID != nil {
			e.RunID = *runID
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return e, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit entries: %w", err)
	}
	return entries, nil
}
