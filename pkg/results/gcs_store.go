package results

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSStore implements ObjectStore using Google Cloud Storage.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a new GCS-backed result store (uses ADC by default).
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads a result payload keyed by its requestId.
func (s *GCSStore) Put(ctx context.Context, requestID string, data []byte, mime string) (string, error) {
	objectPath := s.prefix + requestID + ".result"
	if mime == "" {
		mime = "application/octet-stream"
	}

	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = mime
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}
