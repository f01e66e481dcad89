package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RunStore persists simulation run metadata.
type RunStore interface {
	Create(ctx context.Context, run Run) error
	Finish(ctx context.Context, id string, status RunStatus, blocksRun uint64, runErr string) error
	GetByID(ctx context.Context, id string) (Run, error)
	ListRecent(ctx context.Context, limit int) ([]Run, error)
}

// SnapshotStore persists per-block metrics snapshots.
type SnapshotStore interface {
	InsertBatch(ctx context.Context, runID string, snaps []Snapshot) error
	ListByRun(ctx context.Context, runID string, opts ListOpts) ([]Snapshot, error)
}

// LiquidationStore persists liquidation events.
type LiquidationStore interface {
	InsertBatch(ctx context.Context, runID string, events []Liquidation) error
	ListByRun(ctx context.Context, runID string, opts ListOpts) ([]Liquidation, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	RunID     string         `json:"run_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log. A "run_id" string in the
// detail map ties the entry to a run.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListByRun(ctx context.Context, runID string, opts ListOpts) ([]AuditEntry, error)
}
