package s3blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	// minPartSize is the S3 minimum for every part but the last.
	minPartSize int64 = 5 * 1024 * 1024
	// uploadConcurrency bounds buffered parts per upload; archive bodies are
	// pipes, so every in-flight part is held in memory.
	uploadConcurrency = 3

	contentTypeJSONL = "application/x-ndjson"
)

// Writer implements domain.BlobWriter for archive objects.
type Writer struct {
	client *s3.Client
	bucket string
}

func NewWriter(c *Client) *Writer {
	return &Writer{client: c.S3(), bucket: c.Bucket()}
}

// Put uploads a small object, such as a run manifest, in one request.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if _, err := w.client.PutObject(ctx, w.input(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart streams data of unknown length, such as a run's JSONL
// history, as a multipart upload. partSize is raised to the S3 minimum.
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(w.client, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
		u.Concurrency = uploadConcurrency
	})
	if _, err := uploader.Upload(ctx, w.input(path, data, contentTypeFor(path))); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
	}
	return nil
}

// Delete removes paths in one DeleteObjects request. Missing keys are not an
// error. The archiver calls it to drop the parts of an incomplete archive.
func (w *Writer) Delete(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	objs := make([]types.ObjectIdentifier, len(paths))
	for i, p := range paths {
		objs[i] = types.ObjectIdentifier{Key: aws.String(p)}
	}
	out, err := w.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(w.bucket),
		Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("s3blob: delete %d object(s): %w", len(paths), err)
	}
	if len(out.Errors) > 0 {
		e := out.Errors[0]
		return fmt.Errorf("s3blob: delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
	}
	return nil
}

func (w *Writer) input(path string, data io.Reader, contentType string) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	}
}

// contentTypeFor picks a content type from the object's extension.
func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".jsonl"):
		return contentTypeJSONL
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
