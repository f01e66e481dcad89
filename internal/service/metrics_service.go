package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/lendingsim/internal/domain"
	"github.com/alanyoungcy/lendingsim/internal/metrics"
	"github.com/alanyoungcy/lendingsim/internal/notify"
)

// Publisher fans out live events. Both the Redis signal bus and the local
// WebSocket hub satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// StreamAppender appends to a replayable stream.
type StreamAppender interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// MetricsConfig holds the tunables of MetricsService.
type MetricsConfig struct {
	// BatchSize is the number of buffered snapshots that triggers a flush to
	// the snapshot store.
	BatchSize int
	// HistoryLimit bounds the in-memory snapshot history served by the API.
	HistoryLimit int
}

// SnapshotEvent is the payload published on domain.ChannelSnapshot.
type SnapshotEvent struct {
	RunID string `json:"run_id"`
	domain.Snapshot
}

// LiquidationEvent is the payload published on domain.ChannelLiquidation.
type LiquidationEvent struct {
	RunID  string               `json:"run_id"`
	Block  uint64               `json:"block"`
	Events []domain.Liquidation `json:"events"`
}

// MetricsService is the simulation's metrics sink. It keeps the latest
// snapshot and a bounded history in memory, exports Prometheus series,
// publishes live events, alerts on new bad debt and batches rows into the
// snapshot and liquidation stores. Every dependency except the logger is
// optional.
type MetricsService struct {
	snapshots    domain.SnapshotStore
	liquidations domain.LiquidationStore
	pub          Publisher
	stream       StreamAppender
	collector    *metrics.Collector
	notifier     *notify.Notifier
	cfg          MetricsConfig
	logger       *slog.Logger

	mu          sync.RWMutex
	runID       string
	runName     string
	latest      domain.Snapshot
	hasLatest   bool
	history     []domain.Snapshot
	pendingSnap []domain.Snapshot
	pendingLiq  []domain.Liquidation
}

// NewMetricsService creates a MetricsService. Any of snapshots, liquidations,
// pub, stream, collector or notifier may be nil.
func NewMetricsService(
	snapshots domain.SnapshotStore,
	liquidations domain.LiquidationStore,
	pub Publisher,
	stream StreamAppender,
	collector *metrics.Collector,
	notifier *notify.Notifier,
	cfg MetricsConfig,
	logger *slog.Logger,
) *MetricsService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	return &MetricsService{
		snapshots:    snapshots,
		liquidations: liquidations,
		pub:          pub,
		stream:       stream,
		collector:    collector,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "metrics_service")),
	}
}

// BeginRun resets per-run state. Rows recorded afterwards are stored under
// runID.
func (s *MetricsService) BeginRun(runID, runName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = runID
	s.runName = runName
	s.latest = domain.Snapshot{}
	s.hasLatest = false
	s.history = nil
	s.pendingSnap = nil
	s.pendingLiq = nil
}

// RunID returns the run currently being recorded.
func (s *MetricsService) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// Record consumes one block's snapshot.
func (s *MetricsService) Record(ctx context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	s.latest = snap
	s.hasLatest = true
	s.history = append(s.history, snap)
	if over := len(s.history) - s.cfg.HistoryLimit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	runID, runName := s.runID, s.runName
	flush := false
	if s.snapshots != nil {
		s.pendingSnap = append(s.pendingSnap, snap)
		flush = len(s.pendingSnap) >= s.cfg.BatchSize
	}
	s.mu.Unlock()

	s.collector.ObserveSnapshot(snap)

	payload, err := json.Marshal(SnapshotEvent{RunID: runID, Snapshot: snap})
	if err != nil {
		return fmt.Errorf("metrics_service: marshal snapshot: %w", err)
	}
	s.publish(ctx, domain.ChannelSnapshot, payload)
	if s.stream != nil {
		if err := s.stream.StreamAppend(ctx, domain.StreamSnapshots, payload); err != nil {
			s.logger.WarnContext(ctx, "metrics_service: stream append failed",
				slog.Uint64("block", snap.Block),
				slog.String("error", err.Error()),
			)
		}
	}

	if snap.NewBadDebtUsers > 0 && s.notifier.Enabled(notify.EventBadDebt) {
		alert := notify.BadDebtAlert(runName, snap.Block, snap.NewBadDebtUsers, snap.BadDebtUserCount, snap.BadDebtUSD)
		if err := s.notifier.Notify(ctx, alert); err != nil {
			s.logger.WarnContext(ctx, "metrics_service: bad debt notification failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if flush {
		return s.Flush(ctx)
	}
	return nil
}

// RecordLiquidations consumes one block's liquidation events.
func (s *MetricsService) RecordLiquidations(ctx context.Context, block uint64, events []domain.Liquidation) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	runID := s.runID
	if s.liquidations != nil {
		s.pendingLiq = append(s.pendingLiq, events...)
	}
	s.mu.Unlock()

	s.collector.ObserveLiquidations(events)

	payload, err := json.Marshal(LiquidationEvent{RunID: runID, Block: block, Events: events})
	if err != nil {
		return fmt.Errorf("metrics_service: marshal liquidations: %w", err)
	}
	s.publish(ctx, domain.ChannelLiquidation, payload)
	return nil
}

// Flush writes buffered rows to the stores. Rows stay buffered when a write
// fails so a later Flush can retry them.
func (s *MetricsService) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pendingSnap) > 0 && s.snapshots != nil {
		if err := s.snapshots.InsertBatch(ctx, s.runID, s.pendingSnap); err != nil {
			return fmt.Errorf("metrics_service: flush %d snapshot(s): %w", len(s.pendingSnap), err)
		}
		s.pendingSnap = s.pendingSnap[:0]
	}
	if len(s.pendingLiq) > 0 && s.liquidations != nil {
		if err := s.liquidations.InsertBatch(ctx, s.runID, s.pendingLiq); err != nil {
			return fmt.Errorf("metrics_service: flush %d liquidation(s): %w", len(s.pendingLiq), err)
		}
		s.pendingLiq = s.pendingLiq[:0]
	}
	return nil
}

// Latest returns the most recent snapshot of the current run.
func (s *MetricsService) Latest() (domain.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest
}

// History returns up to limit of the most recent snapshots, oldest first.
// A non-positive limit returns the whole retained history.
func (s *MetricsService) History(limit int) []domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]domain.Snapshot, len(h))
	copy(out, h)
	return out
}

// PublishRunEvent announces a run lifecycle change on domain.ChannelRun.
func (s *MetricsService) PublishRunEvent(ctx context.Context, run domain.Run) {
	payload, err := json.Marshal(run)
	if err != nil {
		return
	}
	s.publish(ctx, domain.ChannelRun, payload)
}

func (s *MetricsService) publish(ctx context.Context, channel string, payload []byte) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "metrics_service: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
