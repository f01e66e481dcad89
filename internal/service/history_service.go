package service

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// HistoryService answers queries about persisted runs. Without a Postgres
// backend every method returns domain.ErrUnavailable.
type HistoryService struct {
	runs         domain.RunStore
	snapshots    domain.SnapshotStore
	liquidations domain.LiquidationStore
	audit        domain.AuditStore
	archiver     domain.Archiver
	archives     domain.ArchiveReader
}

// NewHistoryService creates a HistoryService. All arguments may be nil.
func NewHistoryService(
	runs domain.RunStore,
	snapshots domain.SnapshotStore,
	liquidations domain.LiquidationStore,
	audit domain.AuditStore,
	archiver domain.Archiver,
	archives domain.ArchiveReader,
) *HistoryService {
	return &HistoryService{
		runs:         runs,
		snapshots:    snapshots,
		liquidations: liquidations,
		audit:        audit,
		archiver:     archiver,
		archives:     archives,
	}
}

// ListRuns returns the most recent runs, newest first.
func (s *HistoryService) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("history_service: list runs: %w", domain.ErrUnavailable)
	}
	runs, err := s.runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("history_service: list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run.
func (s *HistoryService) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s.runs == nil {
		return domain.Run{}, fmt.Errorf("history_service: get run: %w", domain.ErrUnavailable)
	}
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return domain.Run{}, fmt.Errorf("history_service: get run %q: %w", id, err)
	}
	return run, nil
}

// Snapshots returns a page of a run's snapshots in block order.
func (s *HistoryService) Snapshots(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.Snapshot, error) {
	if s.snapshots == nil {
		return nil, fmt.Errorf("history_service: snapshots: %w", domain.ErrUnavailable)
	}
	snaps, err := s.snapshots.ListByRun(ctx, runID, opts)
	if err != nil {
		return nil, fmt.Errorf("history_service: snapshots for %q: %w", runID, err)
	}
	return snaps, nil
}

// Liquidations returns a page of a run's liquidation events in block order.
func (s *HistoryService) Liquidations(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.Liquidation, error) {
	if s.liquidations == nil {
		return nil, fmt.Errorf("history_service: liquidations: %w", domain.ErrUnavailable)
	}
	evs, err := s.liquidations.ListByRun(ctx, runID, opts)
	if err != nil {
		return nil, fmt.Errorf("history_service: liquidations for %q: %w", runID, err)
	}
	return evs, nil
}

// Audit returns the audit trail of a run, oldest first.
func (s *HistoryService) Audit(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, fmt.Errorf("history_service: audit: %w", domain.ErrUnavailable)
	}
	entries, err := s.audit.ListByRun(ctx, runID, opts)
	if err != nil {
		return nil, fmt.Errorf("history_service: audit for %q: %w", runID, err)
	}
	return entries, nil
}

// Archive copies a finished run to object storage on demand. Running runs
// are refused.
func (s *HistoryService) Archive(ctx context.Context, runID string) (domain.ArchiveResult, error) {
	if s.archiver == nil || s.runs == nil {
		return domain.ArchiveResult{}, fmt.Errorf("history_service: archive: %w", domain.ErrUnavailable)
	}
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("history_service: archive %q: %w", runID, err)
	}
	if run.Status == domain.RunStatusRunning {
		return domain.ArchiveResult{}, fmt.Errorf("history_service: archive %q: %w", runID, domain.ErrRunInProgress)
	}
	res, err := s.archiver.ArchiveRun(ctx, runID)
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("history_service: archive %q: %w", runID, err)
	}
	return res, nil
}

// ArchivedRun returns the manifest of an archived run. It reads object
// storage only, so it works for runs already pruned from Postgres.
func (s *HistoryService) ArchivedRun(ctx context.Context, runID string) (domain.ArchiveManifest, error) {
	if s.archives == nil {
		return domain.ArchiveManifest{}, fmt.Errorf("history_service: archived run: %w", domain.ErrUnavailable)
	}
	m, err := s.archives.Manifest(ctx, runID)
	if err != nil {
		return domain.ArchiveManifest{}, fmt.Errorf("history_service: archived run %q: %w", runID, err)
	}
	return m, nil
}

// ArchivedRuns lists the ids of runs present in object storage.
func (s *HistoryService) ArchivedRuns(ctx context.Context) ([]string, error) {
	if s.archives == nil {
		return nil, fmt.Errorf("history_service: archived runs: %w", domain.ErrUnavailable)
	}
	ids, err := s.archives.ArchivedRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("history_service: archived runs: %w", err)
	}
	return ids, nil
}
