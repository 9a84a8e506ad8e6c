// Package objectstore is the uniform façade over heterogeneous object-store
// backends (filesystem, S3, GCS) named as an external collaborator boundary
// in spec.md §1. It is the one place in this codebase where dynamic
// dispatch over an interface is the right call (spec.md §9 design notes) —
// every other polymorphic concern prefers a tagged variant.
package objectstore

import (
	"context"
	"io"

	"github.com/elax-db/elax/internal/errs"
)

// ObjectInfo describes one listed or head-checked object.
type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

// Store is the façade every backend implements: get/put/head/delete/list/
// get_range/conditional_put, per spec.md §1.
type Store interface {
	// Get reads the full object at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetRange reads [start, end) of the object at key.
	GetRange(ctx context.Context, key string, start, end int64) ([]byte, error)
	// Put writes data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error
	// ConditionalPut writes data at key only if the object's current ETag
	// equals expectedETag (empty expectedETag means "must not exist").
	// Returns errs.Conflict if the precondition fails.
	ConditionalPut(ctx context.Context, key string, data []byte, expectedETag string) (newETag string, err error)
	// Head returns metadata without fetching the body. Returns
	// errs.NotFound if the key is absent.
	Head(ctx context.Context, key string) (ObjectInfo, error)
	// Delete removes the object at key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
	// List returns all objects whose key has the given prefix, sorted
	// ascending by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ErrNotFound is a sentinel of kind errs.NotFound. The backends do not
// return it: they wrap their own not-found errors with errs.NotFound, so
// callers test with errs.Is(err, errs.NotFound).
var ErrNotFound = errs.New(errs.NotFound, "object not found")

// ReadAll is a convenience wrapper matching io.ReadAll's shape for callers
// that receive an io.Reader. Segment and WAL readers operate on []byte
// directly and do not use it.
func ReadAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
