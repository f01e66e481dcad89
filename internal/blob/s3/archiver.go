package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver. The Postgres snapshot
// and liquidation stores satisfy them directly.
// ---------------------------------------------------------------------------

// SnapshotArchiveStore pages through a run's snapshots in block order.
type SnapshotArchiveStore interface {
	ListByRun(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.Snapshot, error)
}

// LiquidationArchiveStore pages through a run's liquidations in block order.
type LiquidationArchiveStore interface {
	ListByRun(ctx context.Context, runID string, opts domain.ListOpts) ([]domain.Liquidation, error)
}

// blobDeleter is implemented by writers that can remove partial uploads.
type blobDeleter interface {
	Delete(ctx context.Context, paths ...string) error
}

const (
	defaultPageSize = 5000
	// archivePartSize is the multipart part size used when streaming JSONL.
	archivePartSize int64 = 8 * 1024 * 1024
)

// ArchiveImpl implements domain.Archiver. It streams a finished run's
// snapshots and liquidations out of the stores as JSONL, uploads them, and
// writes a manifest last so a present manifest means a complete archive.
//
// The rows stay in the primary store; pruning is a separate decision.
type ArchiveImpl struct {
	writer       domain.BlobWriter
	reader       domain.ArchiveReader
	snapshots    SnapshotArchiveStore
	liquidations LiquidationArchiveStore
	audit        domain.AuditStore
	layout       layout
	pageSize     int
	now          func() time.Time
}

// NewArchiver creates a new ArchiveImpl. reader and audit may be nil: without
// a reader every call re-archives, without an audit store nothing is logged.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.ArchiveReader,
	snapshots SnapshotArchiveStore,
	liquidations LiquidationArchiveStore,
	audit domain.AuditStore,
	prefix string,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:       writer,
		reader:       reader,
		snapshots:    snapshots,
		liquidations: liquidations,
		audit:        audit,
		layout:       layout{prefix: prefix},
		pageSize:     defaultPageSize,
		now:          time.Now,
	}
}

// RunPrefix returns the key prefix under which a run is archived.
func (a *ArchiveImpl) RunPrefix(runID string) string {
	return a.layout.run(runID)
}

// ArchiveRun uploads runs/{id}/snapshots.jsonl, runs/{id}/liquidations.jsonl
// and runs/{id}/manifest.json. A run whose manifest already exists is not
// uploaded again; its recorded result is returned instead.
func (a *ArchiveImpl) ArchiveRun(ctx context.Context, runID string) (domain.ArchiveResult, error) {
	base := a.RunPrefix(runID)
	res := domain.ArchiveResult{
		RunID:            runID,
		ManifestPath:     a.layout.manifest(runID),
		SnapshotsPath:    base + "snapshots.jsonl",
		LiquidationsPath: base + "liquidations.jsonl",
	}

	if prev, ok, err := a.existing(ctx, runID); err != nil {
		return domain.ArchiveResult{}, err
	} else if ok {
		return prev, nil
	}

	var err error
	res.Snapshots, err = streamJSONL(ctx, a.writer, res.SnapshotsPath, a.pageSize,
		func(ctx context.Context, opts domain.ListOpts) ([]domain.Snapshot, error) {
			return a.snapshots.ListByRun(ctx, runID, opts)
		})
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive run %s snapshots: %w", runID, err)
	}

	res.Liquidations, err = streamJSONL(ctx, a.writer, res.LiquidationsPath, a.pageSize,
		func(ctx context.Context, opts domain.ListOpts) ([]domain.Liquidation, error) {
			return a.liquidations.ListByRun(ctx, runID, opts)
		})
	if err != nil {
		a.cleanup(res.SnapshotsPath)
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive run %s liquidations: %w", runID, err)
	}

	body, err := json.Marshal(domain.ArchiveManifest{ArchiveResult: res, ArchivedAt: a.now().UTC()})
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive run %s manifest: %w", runID, err)
	}
	if err := a.writer.Put(ctx, res.ManifestPath, bytes.NewReader(body), "application/json"); err != nil {
		a.cleanup(res.SnapshotsPath, res.LiquidationsPath)
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive run %s manifest upload: %w", runID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.run", map[string]any{
			"run_id":       runID,
			"prefix":       base,
			"snapshots":    res.Snapshots,
			"liquidations": res.Liquidations,
		}); err != nil {
			return res, fmt.Errorf("s3blob: archive run %s audit log: %w", runID, err)
		}
	}
	return res, nil
}

// existing returns the result recorded in a run's manifest, if any.
func (a *ArchiveImpl) existing(ctx context.Context, runID string) (domain.ArchiveResult, bool, error) {
	if a.reader == nil {
		return domain.ArchiveResult{}, false, nil
	}
	m, err := a.reader.Manifest(ctx, runID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ArchiveResult{}, false, nil
	}
	if err != nil {
		return domain.ArchiveResult{}, false, err
	}
	return m.ArchiveResult, true, nil
}

// cleanup removes objects of an incomplete archive on a best-effort basis.
func (a *ArchiveImpl) cleanup(paths ...string) {
	d, ok := a.writer.(blobDeleter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = d.Delete(ctx, paths...)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// streamJSONL pages through list and pipes every record as one JSON line
// into a multipart upload, so a run never has to fit in memory. It returns
// the number of records written.
func streamJSONL[T any](
	ctx context.Context,
	w domain.BlobWriter,
	path string,
	pageSize int,
	list func(context.Context, domain.ListOpts) ([]T, error),
) (int64, error) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	var count int64

	go func() {
		defer close(done)
		bw := bufio.NewWriterSize(pw, 64*1024)
		enc := json.NewEncoder(bw)
		enc.SetEscapeHTML(false)

		for offset := 0; ; offset += pageSize {
			page, err := list(ctx, domain.ListOpts{Limit: pageSize, Offset: offset})
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			for _, rec := range page {
				if err := enc.Encode(rec); err != nil {
					pw.CloseWithError(fmt.Errorf("jsonl encode record %d: %w", count, err))
					return
				}
				count++
			}
			if len(page) < pageSize {
				break
			}
		}
		if err := bw.Flush(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	err := w.PutMultipart(ctx, path, pr, archivePartSize)
	// Unblock the producer if the upload stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	<-done
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
