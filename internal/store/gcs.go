// Package store persists binary pipeline artifacts in Cloud Storage under
// hierarchical keys: {namespace}/{documentId}/{artifact}.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/documentingest/internal/pipeline"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCS is the Cloud Storage backed content store.
type GCS struct {
	bucket *storage.BucketHandle
	name   string
}

// NewGCS creates a content store on the given bucket.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name must be provided to create a content store")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCS{bucket: client.Bucket(bucket), name: bucket}, nil
}

// Exists reports whether an object is already present under the key.
func (s *GCS) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, &pipeline.StorageError{Op: "stat", Key: key, Cause: err}
}

// Put writes an object only if it doesn't already exist. A precondition
// failure from a concurrent writer counts as success: both writers carry
// identical bytes for the same key.
func (s *GCS) Put(ctx context.Context, key string, data []byte) error {
	writer := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "key", key)
			return nil
		}
		return &pipeline.StorageError{Op: "put", Key: key, Cause: err}
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("SKIPPING: Object already exists.", "key", key)
			return nil
		}
		return &pipeline.StorageError{Op: "put", Key: key, Cause: err}
	}
	return nil
}

// Get reads an object's full contents.
func (s *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, &pipeline.StorageError{Op: "get", Key: key, Cause: err}
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &pipeline.StorageError{Op: "get", Key: key, Cause: err}
	}
	return data, nil
}

// List returns the keys of all objects under a prefix.
func (s *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, &pipeline.StorageError{Op: "list", Key: prefix, Cause: err}
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}
