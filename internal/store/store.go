package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the requested bucket or object does not exist.
var ErrNotFound = errors.New("object not found")

// PutResult describes a completed write. An empty ETag means the backend
// could not confirm the write and callers must treat it as a failure.
type PutResult struct {
	ETag string
	Size int64
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend abstracts the object storage medium.
// Swap Local for S3 without touching coordinator code.
type Backend interface {
	// Exists reports whether key exists in bucket.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Put streams r to key, replacing any previous object.
	// Implementations must be atomic: either the full write succeeds or nothing is persisted.
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) (PutResult, error)

	// Get opens key for streaming. Caller must close the returned ReadCloser.
	// Returns an error wrapping ErrNotFound when key is missing.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)

	// Remove deletes key. Silently succeeds if key does not exist.
	Remove(ctx context.Context, bucket, key string) error

	// List returns every object in bucket.
	List(ctx context.Context, bucket string) ([]ObjectInfo, error)

	// Ping verifies that the backend is reachable.
	Ping(ctx context.Context) error
}
