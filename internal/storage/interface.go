package storage

import (
	"context"
	"io"
)

// ObjectStorage is the archive target for swept job records.
type ObjectStorage interface {
	// Upload writes an object under key
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// EnsureBucket creates the bucket if the provider allows it
	EnsureBucket(ctx context.Context) error
}
