package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// ArchiveResult summarises one archived run.
type ArchiveResult struct {
	RunID            string `json:"run_id"`
	ManifestPath     string `json:"manifest_path"`
	SnapshotsPath    string `json:"snapshots_path"`
	LiquidationsPath string `json:"liquidations_path"`
	Snapshots        int64  `json:"snapshots"`
	Liquidations     int64  `json:"liquidations"`
}

// Archiver copies a finished run's history to cold storage.
type Archiver interface {
	ArchiveRun(ctx context.Context, runID string) (ArchiveResult, error)
}

// ArchiveManifest is the object written last for an archived run. Its
// presence means the archive is complete.
type ArchiveManifest struct {
	ArchiveResult
	ArchivedAt time.Time `json:"archived_at"`
}

// ArchiveReader reads archived runs back from cold storage. Manifest returns
// ErrNotFound for a run that was never archived.
type ArchiveReader interface {
	Manifest(ctx context.Context, runID string) (ArchiveManifest, error)
	ArchivedRuns(ctx context.Context) ([]string, error)
}
