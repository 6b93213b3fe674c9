// Package objectstore implements the three-operation blob contract
// (list/get/put) used by the sync engine to exchange changelog entries,
// plus an encryption decorator and three backends: local filesystem,
// in-memory, and a remote S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when path is unknown to the store.
var ErrNotFound = errors.New("objectstore: path not found")

// Store is the opaque byte-blob backend the sync engine talks to.
// Implementations must make Put atomic from the caller's point of
// view (create-or-replace, no partial writes observable by Get) and
// must make Get return either the complete blob or ErrNotFound/an
// error — never a partial read.
type Store interface {
	// List returns every stored path beginning with prefix. Ordering
	// is unspecified but must be stable across calls when the
	// underlying set of paths hasn't changed.
	List(ctx context.Context, prefix string) ([]string, error)
	// Get returns the complete blob at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)
	// Put creates or replaces the blob at path.
	Put(ctx context.Context, path string, data []byte) error
}
