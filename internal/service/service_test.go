package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendingsim/internal/domain"
	"github.com/alanyoungcy/lendingsim/internal/metrics"
	"github.com/alanyoungcy/lendingsim/internal/notify"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type published struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu      sync.Mutex
	msgs    []published
	streams []published
	err     error
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{channel, payload})
	return b.err
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams = append(b.streams, published{stream, payload})
	return b.err
}

func (b *fakeBus) channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.channel
	}
	return out
}

type fakeSnapshotStore struct {
	batches [][]domain.Snapshot
	runIDs  []string
	err     error
}

func (f *fakeSnapshotStore) InsertBatch(_ context.Context, runID string, snaps []domain.Snapshot) error {
	if f.err != nil {
		return f.err
	}
	f.runIDs = append(f.runIDs, runID)
	f.batches = append(f.batches, append([]domain.Snapshot(nil), snaps...))
	return nil
}

func (f *fakeSnapshotStore) ListByRun(context.Context, string, domain.ListOpts) ([]domain.Snapshot, error) {
	return nil, nil
}

func (f *fakeSnapshotStore) rows() int {
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeLiquidationStore struct {
	rows []domain.Liquidation
}

func (f *fakeLiquidationStore) InsertBatch(_ context.Context, _ string, events []domain.Liquidation) error {
	f.rows = append(f.rows, events...)
	return nil
}

func (f *fakeLiquidationStore) ListByRun(context.Context, string, domain.ListOpts) ([]domain.Liquidation, error) {
	return nil, nil
}

type fakeSender struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeSender) Send(_ context.Context, a notify.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, a.Title)
	return nil
}

func (f *fakeSender) Name() string { return "fake" }

type fakeRunStore struct {
	created  []domain.Run
	finished map[string]domain.RunStatus
	errors   map[string]string
	blocks   map[string]uint64
	byID     map[string]domain.Run
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		finished: map[string]domain.RunStatus{},
		errors:   map[string]string{},
		blocks:   map[string]uint64{},
		byID:     map[string]domain.Run{},
	}
}

func (f *fakeRunStore) Create(_ context.Context, run domain.Run) error {
	if _, ok := f.byID[run.ID]; ok {
		return domain.ErrAlreadyExists
	}
	f.created = append(f.created, run)
	f.byID[run.ID] = run
	return nil
}

func (f *fakeRunStore) Finish(_ context.Context, id string, status domain.RunStatus, blocks uint64, runErr string) error {
	f.finished[id] = status
	f.blocks[id] = blocks
	f.errors[id] = runErr
	r := f.byID[id]
	r.Status = status
	f.byID[id] = r
	return nil
}

func (f *fakeRunStore) GetByID(_ context.Context, id string) (domain.Run, error) {
	r, ok := f.byID[id]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeRunStore) ListRecent(context.Context, int) ([]domain.Run, error) {
	return f.created, nil
}

type fakeAudit struct {
	events []string
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (f *fakeAudit) ListByRun(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeLocks struct {
	held     map[string]bool
	released int
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		delete(f.held, key)
		f.released++
	}, nil
}

type fakeArchiver struct {
	calls []string
	err   error
}

func (f *fakeArchiver) ArchiveRun(_ context.Context, runID string) (domain.ArchiveResult, error) {
	f.calls = append(f.calls, runID)
	return domain.ArchiveResult{RunID: runID}, f.err
}

// fakeRunner feeds a fixed list of snapshots through the sink, emulating the
// simulation's per-block calls.
type fakeRunner struct {
	sink  *MetricsService
	snaps []domain.Snapshot
	err   error
	block uint64
}

func (r *fakeRunner) Run(ctx context.Context, maxBlocks uint64) error {
	for i, s := range r.snaps {
		if maxBlocks > 0 && uint64(i) >= maxBlocks {
			break
		}
		if s.Liquidations > 0 {
			_ = r.sink.RecordLiquidations(ctx, s.Block, []domain.Liquidation{{Block: s.Block, UserID: 1}})
		}
		if err := r.sink.Record(ctx, s); err != nil {
			return err
		}
		r.block = s.Block
	}
	return r.err
}

func (r *fakeRunner) CollectMetrics() domain.Snapshot {
	return domain.Snapshot{Block: r.block, BadDebtUSD: decimal.NewFromInt(12)}
}

func blocks(n int) []domain.Snapshot {
	out := make([]domain.Snapshot, n)
	for i := range out {
		out[i] = domain.Snapshot{Block: uint64(i + 1), BadDebtUSD: decimal.Zero}
	}
	return out
}

// ---------------------------------------------------------------------------
// MetricsService
// ---------------------------------------------------------------------------

func TestMetricsServiceBatchesAndHistory(t *testing.T) {
	store := &fakeSnapshotStore{}
	bus := &fakeBus{}
	svc := NewMetricsService(store, nil, bus, bus, nil, nil, MetricsConfig{BatchSize: 3, HistoryLimit: 4}, discardLogger())
	svc.BeginRun("run-1", "default")

	ctx := context.Background()
	for _, s := range blocks(7) {
		require.NoError(t, svc.Record(ctx, s))
	}

	// Two full batches flushed, one snapshot still pending.
	require.Len(t, store.batches, 2)
	assert.Equal(t, 6, store.rows())
	assert.Equal(t, []string{"run-1", "run-1"}, store.runIDs)

	require.NoError(t, svc.Flush(ctx))
	assert.Equal(t, 7, store.rows())

	latest, ok := svc.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(7), latest.Block)

	hist := svc.History(0)
	require.Len(t, hist, 4)
	assert.Equal(t, uint64(4), hist[0].Block)
	assert.Equal(t, uint64(7), hist[3].Block)
	assert.Len(t, svc.History(2), 2)

	assert.Len(t, bus.msgs, 7)
	assert.Len(t, bus.streams, 7)
	var ev SnapshotEvent
	require.NoError(t, json.Unmarshal(bus.msgs[0].payload, &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, uint64(1), ev.Block)
}

func TestMetricsServiceFlushRetainsOnError(t *testing.T) {
	store := &fakeSnapshotStore{err: errors.New("db down")}
	svc := NewMetricsService(store, nil, nil, nil, nil, nil, MetricsConfig{BatchSize: 2}, discardLogger())
	svc.BeginRun("r", "n")

	ctx := context.Background()
	require.NoError(t, svc.Record(ctx, domain.Snapshot{Block: 1}))
	require.Error(t, svc.Record(ctx, domain.Snapshot{Block: 2}))

	store.err = nil
	require.NoError(t, svc.Flush(ctx))
	assert.Equal(t, 2, store.rows())
}

func TestMetricsServiceLiquidationsAndAlerts(t *testing.T) {
	liqs := &fakeLiquidationStore{}
	bus := &fakeBus{}
	sender := &fakeSender{}
	n := notify.NewNotifier([]notify.Sender{sender}, []string{notify.EventBadDebt}, discardLogger())
	reg := prometheus.NewRegistry()
	col := metrics.New(reg)

	svc := NewMetricsService(nil, liqs, bus, nil, col, n, MetricsConfig{}, discardLogger())
	svc.BeginRun("run-2", "crash")

	ctx := context.Background()
	require.NoError(t, svc.RecordLiquidations(ctx, 3, nil))
	require.NoError(t, svc.RecordLiquidations(ctx, 3, []domain.Liquidation{
		{Block: 3, UserID: 7, Repaid: decimal.NewFromInt(5), Seized: decimal.Zero},
		{Block: 3, UserID: 8, BadDebt: true},
	}))
	require.NoError(t, svc.Record(ctx, domain.Snapshot{Block: 3, NewBadDebtUsers: 1, BadDebtUserCount: 1, BadDebtUSD: decimal.NewFromInt(9)}))
	require.NoError(t, svc.Record(ctx, domain.Snapshot{Block: 4, BadDebtUserCount: 1, BadDebtUSD: decimal.NewFromInt(9)}))
	require.NoError(t, svc.Flush(ctx))

	assert.Len(t, liqs.rows, 2)
	assert.Equal(t, []string{domain.ChannelLiquidation, domain.ChannelSnapshot, domain.ChannelSnapshot}, bus.channels())
	assert.Equal(t, []string{"Bad debt in crash"}, sender.titles)

	count, err := testutil.GatherAndCount(reg, "lendingsim_liquidations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsServicePublishFailureIsNotFatal(t *testing.T) {
	bus := &fakeBus{err: errors.New("redis gone")}
	svc := NewMetricsService(nil, nil, bus, bus, nil, nil, MetricsConfig{}, discardLogger())
	require.NoError(t, svc.Record(context.Background(), domain.Snapshot{Block: 1}))
}

func TestMetricsServiceBeginRunResets(t *testing.T) {
	svc := NewMetricsService(nil, nil, nil, nil, nil, nil, MetricsConfig{}, discardLogger())
	require.NoError(t, svc.Record(context.Background(), domain.Snapshot{Block: 1}))
	svc.BeginRun("next", "n")
	_, ok := svc.Latest()
	assert.False(t, ok)
	assert.Empty(t, svc.History(0))
	assert.Equal(t, "next", svc.RunID())
}

// ---------------------------------------------------------------------------
// RunService
// ---------------------------------------------------------------------------

type runFixture struct {
	svc      *RunService
	runner   *fakeRunner
	runs     *fakeRunStore
	snaps    *fakeSnapshotStore
	audit    *fakeAudit
	locks    *fakeLocks
	archiver *fakeArchiver
	sender   *fakeSender
}

func newRunFixture(snaps []domain.Snapshot, runErr error) *runFixture {
	f := &runFixture{
		runs:     newFakeRunStore(),
		snaps:    &fakeSnapshotStore{},
		audit:    &fakeAudit{},
		locks:    &fakeLocks{held: map[string]bool{}},
		archiver: &fakeArchiver{},
		sender:   &fakeSender{},
	}
	sink := NewMetricsService(f.snaps, &fakeLiquidationStore{}, nil, nil, nil, nil, MetricsConfig{BatchSize: 50}, discardLogger())
	f.runner = &fakeRunner{sink: sink, snaps: snaps, err: runErr}
	n := notify.NewNotifier([]notify.Sender{f.sender}, nil, discardLogger())
	f.svc = NewRunService(f.runner, sink, f.runs, f.locks, f.archiver, f.audit, n, nil,
		RunConfig{Name: "default", Seed: 42, MaxBlocks: uint64(len(snaps)), LockTTL: time.Minute, Archive: true},
		discardLogger())
	f.svc.newID = func() string { return "run-fixed" }
	return f
}

func TestRunServiceCompleted(t *testing.T) {
	f := newRunFixture(blocks(5), nil)

	run, err := f.svc.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, uint64(5), run.BlocksRun)
	require.NotNil(t, run.FinishedAt)

	require.Len(t, f.runs.created, 1)
	assert.Equal(t, domain.RunStatusRunning, f.runs.created[0].Status)
	assert.Equal(t, domain.RunStatusCompleted, f.runs.finished["run-fixed"])
	assert.Equal(t, uint64(5), f.runs.blocks["run-fixed"])

	// Final flush persisted every snapshot even though the batch never filled.
	assert.Equal(t, 5, f.snaps.rows())
	assert.Equal(t, []string{"run-fixed"}, f.archiver.calls)
	assert.Equal(t, []string{"run.start", "run.finish"}, f.audit.events)
	assert.Equal(t, []string{"Run default complete"}, f.sender.titles)
	assert.Equal(t, 1, f.locks.released)

	cur, ok := f.svc.Current()
	require.True(t, ok)
	assert.Equal(t, run, cur)
}

func TestRunServiceFailed(t *testing.T) {
	f := newRunFixture(blocks(2), domain.ErrLedgerInvariant)

	run, err := f.svc.Execute(context.Background())
	require.ErrorIs(t, err, domain.ErrLedgerInvariant)

	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, f.runs.errors["run-fixed"], "ledger invariant")
	assert.Empty(t, f.archiver.calls, "failed runs are not archived")
	assert.Equal(t, []string{"Run default failed"}, f.sender.titles)
}

func TestRunServiceCancelled(t *testing.T) {
	f := newRunFixture(blocks(3), context.Canceled)

	run, err := f.svc.Execute(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, domain.RunStatusCancelled, run.Status)
	assert.Empty(t, run.Error)
	assert.Equal(t, 3, f.snaps.rows(), "cancelled runs still flush")
	assert.Empty(t, f.sender.titles)
	assert.Empty(t, f.archiver.calls)
}

func TestRunServiceLockHeld(t *testing.T) {
	f := newRunFixture(blocks(1), nil)
	f.locks.held["run:default"] = true

	_, err := f.svc.Execute(context.Background())
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Empty(t, f.runs.created)

	_, ok := f.svc.Current()
	assert.False(t, ok)
}

func TestRunServiceArchiveFailureKeepsCompleted(t *testing.T) {
	f := newRunFixture(blocks(1), nil)
	f.archiver.err = errors.New("bucket missing")

	run, err := f.svc.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
}

func TestRunServiceWithoutBackends(t *testing.T) {
	sink := NewMetricsService(nil, nil, nil, nil, nil, nil, MetricsConfig{}, discardLogger())
	runner := &fakeRunner{sink: sink, snaps: blocks(3)}
	svc := NewRunService(runner, sink, nil, nil, nil, nil, nil, nil, RunConfig{Name: "bare", MaxBlocks: 3}, discardLogger())

	run, err := svc.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.NotEmpty(t, run.ID)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, domain.RunStatusCompleted, statusFor(nil))
	assert.Equal(t, domain.RunStatusCancelled, statusFor(context.DeadlineExceeded))
	assert.Equal(t, domain.RunStatusFailed, statusFor(errors.New("x")))
}

// ---------------------------------------------------------------------------
// HistoryService
// ---------------------------------------------------------------------------

func TestHistoryServiceUnavailable(t *testing.T) {
	h := NewHistoryService(nil, nil, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := h.ListRuns(ctx, 10)
	require.ErrorIs(t, err, domain.ErrUnavailable)
	_, err = h.Snapshots(ctx, "r", domain.ListOpts{})
	require.ErrorIs(t, err, domain.ErrUnavailable)
	_, err = h.Archive(ctx, "r")
	require.ErrorIs(t, err, domain.ErrUnavailable)
	_, err = h.ArchivedRun(ctx, "r")
	require.ErrorIs(t, err, domain.ErrUnavailable)
	_, err = h.ArchivedRuns(ctx)
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestHistoryServiceArchive(t *testing.T) {
	runs := newFakeRunStore()
	arch := &fakeArchiver{}
	h := NewHistoryService(runs, nil, nil, nil, arch, nil)
	ctx := context.Background()

	require.NoError(t, runs.Create(ctx, domain.Run{ID: "live", Status: domain.RunStatusRunning}))
	require.NoError(t, runs.Create(ctx, domain.Run{ID: "done", Status: domain.RunStatusCompleted}))

	_, err := h.Archive(ctx, "live")
	require.ErrorIs(t, err, domain.ErrRunInProgress)

	_, err = h.Archive(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	res, err := h.Archive(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, "done", res.RunID)
	assert.Equal(t, []string{"done"}, arch.calls)
}

type fakeArchiveReader struct {
	manifests map[string]domain.ArchiveManifest
}

func (f *fakeArchiveReader) Manifest(_ context.Context, runID string) (domain.ArchiveManifest, error) {
	m, ok := f.manifests[runID]
	if !ok {
		return domain.ArchiveManifest{}, domain.ErrNotFound
	}
	return m, nil
}

func (f *fakeArchiveReader) ArchivedRuns(context.Context) ([]string, error) {
	var ids []string
	for id := range f.manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func TestHistoryServiceArchivedRuns(t *testing.T) {
	reader := &fakeArchiveReader{manifests: map[string]domain.ArchiveManifest{
		"old": {ArchiveResult: domain.ArchiveResult{RunID: "old", Snapshots: 40}},
	}}
	// No Postgres: archived runs stay readable from object storage alone.
	h := NewHistoryService(nil, nil, nil, nil, nil, reader)
	ctx := context.Background()

	m, err := h.ArchivedRun(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, int64(40), m.Snapshots)

	_, err = h.ArchivedRun(ctx, "new")
	require.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := h.ArchivedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}
