// Package gcs archives sitemap snapshots in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config captures the target bucket.
type Config struct {
	Bucket string
	// CacheControl is applied to new objects when set.
	CacheControl string
}

// BlobStore writes content-addressed snapshots to a bucket. Objects are
// created with a does-not-exist precondition so a repeated digest is a no-op.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed snapshot archive.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, cfg: cfg}, nil
}

// PutObject uploads data under key and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("snapshot key is required")
	}
	uri := fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, key)

	obj := s.client.Bucket(s.cfg.Bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	w.CacheControl = s.cfg.CacheControl
	w.Metadata = map[string]string{"archived-by": "sitemapwatch"}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write snapshot %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		if alreadyStored(err) {
			return uri, nil
		}
		return "", fmt.Errorf("upload snapshot %s: %w", uri, err)
	}
	return uri, nil
}

func alreadyStored(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
