package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/lendingsim/internal/domain"
)

// Archive key layout under the configured prefix:
//
//	{prefix}runs/{id}/snapshots.jsonl
//	{prefix}runs/{id}/liquidations.jsonl
//	{prefix}runs/{id}/manifest.json
type layout struct {
	prefix string
}

func (l layout) runs() string { return l.prefix + "runs/" }

func (l layout) run(runID string) string { return l.runs() + runID + "/" }

func (l layout) manifest(runID string) string { return l.run(runID) + "manifest.json" }

// runID extracts the run id from a common prefix such as
// "archive/runs/r1/". It reports false for anything outside the runs folder.
func (l layout) runID(commonPrefix string) (string, bool) {
	id, ok := strings.CutPrefix(commonPrefix, l.runs())
	if !ok {
		return "", false
	}
	id = strings.TrimSuffix(id, "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Reader implements domain.ArchiveReader. It only understands the archive
// layout written by ArchiveImpl: a run counts as archived once its
// manifest.json exists.
type Reader struct {
	layout layout
	get    func(ctx context.Context, key string) (io.ReadCloser, error)
	dirs   func(ctx context.Context, prefix string) ([]string, error)
}

// NewReader creates a Reader over the client's bucket. prefix must match the
// archiver's.
func NewReader(c *Client, prefix string) *Reader {
	api, bucket := c.S3(), c.Bucket()
	return &Reader{
		layout: layout{prefix: prefix},
		get: func(ctx context.Context, key string) (io.ReadCloser, error) {
			out, err := api.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, err
			}
			return out.Body, nil
		},
		dirs: func(ctx context.Context, prefix string) ([]string, error) {
			var out []string
			p := s3.NewListObjectsV2Paginator(api, &s3.ListObjectsV2Input{
				Bucket:    aws.String(bucket),
				Prefix:    aws.String(prefix),
				Delimiter: aws.String("/"),
			})
			for p.HasMorePages() {
				page, err := p.NextPage(ctx)
				if err != nil {
					return nil, err
				}
				for _, cp := range page.CommonPrefixes {
					out = append(out, aws.ToString(cp.Prefix))
				}
			}
			return out, nil
		},
	}
}

// Manifest reads and decodes runs/{id}/manifest.json. It returns
// domain.ErrNotFound when the run has not been archived.
func (r *Reader) Manifest(ctx context.Context, runID string) (domain.ArchiveManifest, error) {
	if runID == "" || strings.Contains(runID, "/") {
		return domain.ArchiveManifest{}, fmt.Errorf("s3blob: manifest %q: %w", runID, domain.ErrNotFound)
	}
	key := r.layout.manifest(runID)
	rc, err := r.get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return domain.ArchiveManifest{}, fmt.Errorf("s3blob: manifest %s: %w", runID, domain.ErrNotFound)
		}
		return domain.ArchiveManifest{}, fmt.Errorf("s3blob: get %s: %w", key, err)
	}
	defer rc.Close()

	var m domain.ArchiveManifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return domain.ArchiveManifest{}, fmt.Errorf("s3blob: decode %s: %w", key, err)
	}
	if m.RunID != runID {
		return domain.ArchiveManifest{}, fmt.Errorf("s3blob: %s names run %q", key, m.RunID)
	}
	return m, nil
}

// ArchivedRuns lists the run ids that have a folder under runs/, sorted.
// A folder without a manifest is an interrupted archive; Manifest reports
// it as not found.
func (r *Reader) ArchivedRuns(ctx context.Context) ([]string, error) {
	prefixes, err := r.dirs(ctx, r.layout.runs())
	if err != nil {
		return nil, fmt.Errorf("s3blob: list %s: %w", r.layout.runs(), err)
	}
	ids := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if id, ok := r.layout.runID(p); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// isNotFound reports whether err means the object is missing. Some
// S3-compatible providers answer with a bare 404 instead of NoSuchKey.
func isNotFound(err error) bool {
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var httpErr interface{ HTTPStatusCode() int }
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == http.StatusNotFound
}

var _ domain.ArchiveReader = (*Reader)(nil)
