package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/clearcard/sqljobs/internal/model"
)

// Uploader writes a job's numbered chunk blobs and final manifest under the
// per-job prefix jobs/<job_id>/.
type Uploader struct {
	store  Store
	bucket string
}

// NewUploader returns an Uploader targeting the given bucket.
func NewUploader(store Store, bucket string) *Uploader {
	return &Uploader{store: store, bucket: bucket}
}

// PrefixFor returns the object prefix owned by a job.
func PrefixFor(jobID string) string { return fmt.Sprintf("jobs/%s/", jobID) }

// UploadChunk writes chunk blob part-<index:05>.csv.gz and returns its
// descriptor. Indices must be assigned contiguously from 0 by the caller.
func (u *Uploader) UploadChunk(ctx context.Context, jobID string, index int, data []byte, rows int64) (model.ChunkDescriptor, error) {
	name := fmt.Sprintf("%spart-%05d.csv.gz", PrefixFor(jobID), index)
	if err := u.store.Put(ctx, u.bucket, name, data, "application/gzip"); err != nil {
		return model.ChunkDescriptor{}, err
	}
	return model.ChunkDescriptor{
		URI:   u.store.URI(u.bucket, name),
		Rows:  rows,
		Bytes: int64(len(data)),
	}, nil
}

// UploadManifest serializes and writes manifest.json, returning its URI.
// Chunk uploads must all have completed before this is called.
func (u *Uploader) UploadManifest(ctx context.Context, jobID string, m *model.Manifest) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	name := PrefixFor(jobID) + "manifest.json"
	if err := u.store.Put(ctx, u.bucket, name, buf.Bytes(), "application/json"); err != nil {
		return "", err
	}
	return u.store.URI(u.bucket, name), nil
}
