package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

type memBlob struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failPaths map[string]error
	deleted   []string
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}, failPaths: map[string]error{}}
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	return m.store(path, data)
}

func (m *memBlob) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	return m.store(path, data)
}

func (m *memBlob) store(path string, data io.Reader) error {
	if err := m.failPaths[path]; err != nil {
		return err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlob) Delete(_ context.Context, paths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.objects, p)
	}
	m.deleted = append(m.deleted, paths...)
	return nil
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// dirs returns the distinct "folders" directly below prefix, the way
// ListObjectsV2 reports CommonPrefixes for a "/" delimiter.
func (m *memBlob) dirs(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for key := range m.objects {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		if dir, _, found := strings.Cut(rest, "/"); found && !seen[dir] {
			seen[dir] = true
			out = append(out, prefix+dir+"/")
		}
	}
	return out, nil
}

func (m *memBlob) reader(prefix string) *Reader {
	return &Reader{layout: layout{prefix: prefix}, get: m.Get, dirs: m.dirs}
}

type pagedSnapshots struct {
	rows  []domain.Snapshot
	calls int
	err   error
}

func (p *pagedSnapshots) ListByRun(_ context.Context, _ string, opts domain.ListOpts) ([]domain.Snapshot, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return page(p.rows, opts), nil
}

type pagedLiquidations struct {
	rows []domain.Liquidation
	err  error
}

func (p *pagedLiquidations) ListByRun(_ context.Context, _ string, opts domain.ListOpts) ([]domain.Liquidation, error) {
	if p.err != nil {
		return nil, p.err
	}
	return page(p.rows, opts), nil
}

func page[T any](rows []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(rows) {
		return nil
	}
	return rows[opts.Offset:min(opts.Offset+opts.Limit, len(rows))]
}

type auditRecorder struct {
	events  []string
	details []map[string]any
}

func (a *auditRecorder) Log(_ context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.details = append(a.details, detail)
	return nil
}

func (a *auditRecorder) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *auditRecorder) ListByRun(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func snapshots(n int) []domain.Snapshot {
	out := make([]domain.Snapshot, n)
	for i := range out {
		out[i] = domain.Snapshot{
			Block:         uint64(i + 1),
			TotalSupplied: decimal.NewFromInt(int64(1000 + i)),
			TotalBorrowed: decimal.NewFromInt(int64(500 + i)),
			SupplyPrice:   decimal.NewFromInt(100000),
			DebtPrice:     decimal.NewFromInt(1),
			BadDebtUSD:    decimal.Zero,
		}
	}
	return out
}

func readLines(t *testing.T, b []byte) []string {
	t.Helper()
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestArchiveRunWritesJSONLAndManifest(t *testing.T) {
	blob := newMemBlob()
	snaps := &pagedSnapshots{rows: snapshots(7)}
	liqs := &pagedLiquidations{rows: []domain.Liquidation{
		{Block: 3, UserID: 12, Liquidator: "liquidator-0", Repaid: decimal.NewFromInt(10), Seized: decimal.RequireFromString("0.0001045"), ResidualDebt: decimal.NewFromInt(10)},
		{Block: 5, UserID: 4, Liquidator: "liquidator-0", Repaid: decimal.Zero, Seized: decimal.Zero, ResidualDebt: decimal.NewFromInt(7), BadDebt: true},
	}}
	audit := &auditRecorder{}

	a := NewArchiver(blob, blob.reader("lendingsim/"), snaps, liqs, audit, "lendingsim/")
	a.pageSize = 3
	a.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	res, err := a.ArchiveRun(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, "lendingsim/runs/run-1/snapshots.jsonl", res.SnapshotsPath)
	assert.Equal(t, "lendingsim/runs/run-1/liquidations.jsonl", res.LiquidationsPath)
	assert.Equal(t, "lendingsim/runs/run-1/manifest.json", res.ManifestPath)
	assert.Equal(t, int64(7), res.Snapshots)
	assert.Equal(t, int64(2), res.Liquidations)
	// 7 rows in pages of 3: three full-or-partial pages.
	assert.Equal(t, 3, snaps.calls)

	lines := readLines(t, blob.objects[res.SnapshotsPath])
	require.Len(t, lines, 7)
	var first domain.Snapshot
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, uint64(1), first.Block)
	assert.True(t, first.TotalSupplied.Equal(decimal.NewFromInt(1000)))

	liqLines := readLines(t, blob.objects[res.LiquidationsPath])
	require.Len(t, liqLines, 2)
	assert.Contains(t, liqLines[1], `"bad_debt":true`)

	m, err := blob.reader("lendingsim/").Manifest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, res, m.ArchiveResult)
	assert.Equal(t, 2026, m.ArchivedAt.Year())

	require.Equal(t, []string{"archive.run"}, audit.events)
	assert.Equal(t, "run-1", audit.details[0]["run_id"])
}

func TestArchiveRunExactPageMultiple(t *testing.T) {
	blob := newMemBlob()
	snaps := &pagedSnapshots{rows: snapshots(6)}
	a := NewArchiver(blob, nil, snaps, &pagedLiquidations{}, nil, "")
	a.pageSize = 3

	res, err := a.ArchiveRun(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Snapshots)
	assert.Equal(t, int64(0), res.Liquidations)
	assert.Equal(t, 3, snaps.calls)
	assert.Empty(t, blob.objects["runs/r/liquidations.jsonl"])
}

func TestArchiveRunSkipsWhenManifestExists(t *testing.T) {
	blob := newMemBlob()
	snaps := &pagedSnapshots{rows: snapshots(2)}
	a := NewArchiver(blob, blob.reader("p/"), snaps, &pagedLiquidations{}, nil, "p/")

	first, err := a.ArchiveRun(context.Background(), "run-9")
	require.NoError(t, err)
	calls := snaps.calls

	second, err := a.ArchiveRun(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, snaps.calls, "stores must not be read again")
}

func TestArchiveRunStoreErrorCleansUp(t *testing.T) {
	blob := newMemBlob()
	boom := errors.New("connection reset")
	a := NewArchiver(blob, blob.reader(""), &pagedSnapshots{rows: snapshots(4)}, &pagedLiquidations{err: boom}, nil, "")

	_, err := a.ArchiveRun(context.Background(), "run-2")
	require.ErrorIs(t, err, boom)

	assert.Contains(t, blob.deleted, "runs/run-2/snapshots.jsonl")
	_, ok := blob.objects["runs/run-2/manifest.json"]
	assert.False(t, ok)
}

func TestArchiveRunUploadErrorStopsProducer(t *testing.T) {
	blob := newMemBlob()
	boom := errors.New("upload refused")
	blob.failPaths["runs/run-3/snapshots.jsonl"] = boom

	a := NewArchiver(blob, nil, &pagedSnapshots{rows: snapshots(50)}, &pagedLiquidations{}, nil, "")
	a.pageSize = 1

	_, err := a.ArchiveRun(context.Background(), "run-3")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, blob.objects)
}
