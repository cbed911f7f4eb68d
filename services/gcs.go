package services

import (
	"context"
	"fmt"
	"io"

	"mediaconv/config"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore writes objects to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(ctx context.Context, cfg config.StorageConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.GCSCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (g *GCSStore) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	wc := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := io.Copy(wc, body); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy: %w", err)
	}
	// The object is only committed once the writer closes cleanly.
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}
	return nil
}

func (g *GCSStore) Delete(ctx context.Context, key string) error {
	if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete gs://%s/%s: %w", g.bucket, key, err)
	}
	return nil
}

func (g *GCSStore) URL(key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, escapeKey(key))
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}

// NewObjectStore picks the provider named in cfg.
func NewObjectStore(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Provider {
	case config.ProviderS3:
		return NewS3Store(cfg)
	case config.ProviderGCS:
		return NewGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}
