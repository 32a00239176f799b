package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return errors satisfying errors.Is(err, ErrNotFound); the
// default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store is the snapshot persistence contract. Implementations are safe for
// concurrent use.
type Store interface {
	// Open opens an existing blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create starts a streaming write of a new blob. The blob becomes
	// visible under name only after a successful Close.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Put writes a small blob atomically.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns blob names under prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to one stored blob.
type Blob interface {
	io.Reader
	io.Closer

	// Size returns the blob size in bytes.
	Size() int64
}

// WritableBlob is a streaming write handle. Close commits the blob; a blob
// abandoned without Close must not become visible.
type WritableBlob interface {
	io.Writer
	io.Closer
}

// ReadAll reads an entire blob into memory.
func ReadAll(ctx context.Context, store Store, name string) ([]byte, error) {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	return io.ReadAll(blob)
}
