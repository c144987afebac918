// Package blob writes result chunks and manifests to object storage.
package blob

import "context"

// Store is the minimal object-store surface the worker needs. Writes are
// whole-object; any failure propagates and the worker treats it as
// job-fatal.
type Store interface {
	Put(ctx context.Context, bucket, object string, data []byte, contentType string) error
	URI(bucket, object string) string
}
