package blob

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

type gcsStore struct{ client *storage.Client }

// NewGCS wraps a Google Cloud Storage client as a Store.
func NewGCS(client *storage.Client) Store { return &gcsStore{client: client} }

func (s *gcsStore) Put(ctx context.Context, bucket, object string, data []byte, contentType string) error {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

func (s *gcsStore) URI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, object)
}
