// Package backend provides the blob storage abstraction behind the persistent
// payload tier.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend stores opaque blobs under slash separated keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at key, replacing any existing blob.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete is idempotent.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend reports stored blob sizes without reading them.
type SizeAwareBackend interface {
	Backend

	// Size returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// FramedBackend stores blobs together with a BlobHeader.
type FramedBackend interface {
	Backend

	WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error

	// ReadFramed returns the decoded header and a reader positioned at the body.
	ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error)
}
