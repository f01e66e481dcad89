package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/lendingsim/internal/domain"
	"github.com/alanyoungcy/lendingsim/internal/metrics"
	"github.com/alanyoungcy/lendingsim/internal/notify"
)

// Runner is the part of the simulation the run lifecycle drives.
type Runner interface {
	Run(ctx context.Context, maxBlocks uint64) error
	CollectMetrics() domain.Snapshot
}

// RunConfig describes the run to execute.
type RunConfig struct {
	Name      string
	Seed      uint64
	MaxBlocks uint64
	// LockTTL is the lease on the per-name run lock; it is renewed while the
	// run is alive.
	LockTTL time.Duration
	// Archive copies a completed run to object storage.
	Archive bool
	// Params is stored with the run for later inspection.
	Params map[string]any
}

// finishTimeout bounds the bookkeeping done after the simulation stops,
// which must complete even when the run was cancelled.
const finishTimeout = 30 * time.Second

// RunService executes one simulation run end to end: lock, run record,
// stepping, final flush, archive, notifications and audit trail. Every
// dependency except the runner, sink and logger is optional.
type RunService struct {
	sim       Runner
	sink      *MetricsService
	runs      domain.RunStore
	locks     domain.LockManager
	archiver  domain.Archiver
	audit     domain.AuditStore
	notifier  *notify.Notifier
	collector *metrics.Collector
	cfg       RunConfig
	logger    *slog.Logger

	newID func() string
	now   func() time.Time

	mu      sync.RWMutex
	current domain.Run
	started bool
}

// NewRunService creates a RunService with all required dependencies.
func NewRunService(
	sim Runner,
	sink *MetricsService,
	runs domain.RunStore,
	locks domain.LockManager,
	archiver domain.Archiver,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	collector *metrics.Collector,
	cfg RunConfig,
	logger *slog.Logger,
) *RunService {
	return &RunService{
		sim:       sim,
		sink:      sink,
		runs:      runs,
		locks:     locks,
		archiver:  archiver,
		audit:     audit,
		notifier:  notifier,
		collector: collector,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "run_service")),
		newID:     func() string { return uuid.New().String() },
		now:       time.Now,
	}
}

// Current returns the run being executed or last executed.
func (s *RunService) Current() (domain.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.started
}

func (s *RunService) setCurrent(run domain.Run) {
	s.mu.Lock()
	s.current = run
	s.started = true
	s.mu.Unlock()
}

// Execute performs the run. A cancelled ctx ends the run with status
// cancelled and returns the context error; bookkeeping still completes.
func (s *RunService) Execute(ctx context.Context) (domain.Run, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "run:"+s.cfg.Name, s.cfg.LockTTL)
		if err != nil {
			return domain.Run{}, fmt.Errorf("run_service: lock run %q: %w", s.cfg.Name, err)
		}
		defer unlock()
	}

	run := domain.Run{
		ID:        s.newID(),
		Name:      s.cfg.Name,
		Status:    domain.RunStatusRunning,
		Seed:      s.cfg.Seed,
		MaxBlocks: s.cfg.MaxBlocks,
		Params:    s.cfg.Params,
		StartedAt: s.now().UTC(),
	}
	if s.runs != nil {
		if err := s.runs.Create(ctx, run); err != nil {
			return domain.Run{}, fmt.Errorf("run_service: create run: %w", err)
		}
	}
	s.setCurrent(run)
	s.sink.BeginRun(run.ID, run.Name)
	s.sink.PublishRunEvent(ctx, run)
	s.auditLog(ctx, "run.start", map[string]any{
		"run_id":     run.ID,
		"name":       run.Name,
		"seed":       run.Seed,
		"max_blocks": run.MaxBlocks,
	})

	s.logger.InfoContext(ctx, "run_service: run started",
		slog.String("run_id", run.ID),
		slog.String("name", run.Name),
		slog.Uint64("seed", run.Seed),
	)

	runErr := s.sim.Run(ctx, s.cfg.MaxBlocks)

	// Bookkeeping outlives a cancelled run.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	final := s.sim.CollectMetrics()
	run.BlocksRun = final.Block
	run.Status = statusFor(runErr)
	if runErr != nil && run.Status == domain.RunStatusFailed {
		run.Error = runErr.Error()
	}

	if err := s.sink.Flush(fctx); err != nil {
		s.logger.ErrorContext(fctx, "run_service: final flush failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
		if run.Status == domain.RunStatusCompleted {
			run.Status = domain.RunStatusFailed
			run.Error = err.Error()
			runErr = err
		}
	}

	finished := s.now().UTC()
	run.FinishedAt = &finished
	if s.runs != nil {
		if err := s.runs.Finish(fctx, run.ID, run.Status, run.BlocksRun, run.Error); err != nil {
			s.logger.ErrorContext(fctx, "run_service: finish run failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.setCurrent(run)

	s.logger.InfoContext(fctx, "run_service: run finished",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.Uint64("blocks", run.BlocksRun),
		slog.Int("bad_debt_users", final.BadDebtUserCount),
		slog.String("bad_debt_usd", final.BadDebtUSD.StringFixed(2)),
	)

	if run.Status == domain.RunStatusCompleted && s.cfg.Archive && s.archiver != nil {
		s.archive(fctx, run.ID)
	}

	s.collector.ObserveRun(run.Status)
	s.sink.PublishRunEvent(fctx, run)
	s.auditLog(fctx, "run.finish", map[string]any{
		"run_id":         run.ID,
		"status":         string(run.Status),
		"blocks_run":     run.BlocksRun,
		"bad_debt_users": final.BadDebtUserCount,
		"bad_debt_usd":   final.BadDebtUSD.String(),
		"error":          run.Error,
	})

	if run.Status != domain.RunStatusCancelled {
		var notifyErr error
		if run.Status == domain.RunStatusFailed {
			notifyErr = errors.New(run.Error)
		}
		alert := notify.RunFinishedAlert(run.Name, run.BlocksRun, final.BadDebtUSD, notifyErr)
		if err := s.notifier.Notify(fctx, alert); err != nil {
			s.logger.WarnContext(fctx, "run_service: notification failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return run, runErr
}

// archive copies a completed run to cold storage. Failures are logged; the
// run itself stays completed.
func (s *RunService) archive(ctx context.Context, runID string) {
	res, err := s.archiver.ArchiveRun(ctx, runID)
	if err != nil {
		s.logger.ErrorContext(ctx, "run_service: archive failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.InfoContext(ctx, "run_service: run archived",
		slog.String("run_id", runID),
		slog.String("manifest", res.ManifestPath),
		slog.Int64("snapshots", res.Snapshots),
		slog.Int64("liquidations", res.Liquidations),
	)
}

func (s *RunService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "run_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func statusFor(err error) domain.RunStatus {
	switch {
	case err == nil:
		return domain.RunStatusCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.RunStatusCancelled
	default:
		return domain.RunStatusFailed
	}
}
