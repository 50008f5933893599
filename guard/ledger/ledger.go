package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a resource id has never been initialized.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned when Initialize targets an existing resource.
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrVersionConflict is returned when CompareAndSet observes a version
	// other than the expected one. Callers retry against fresh state.
	ErrVersionConflict = errors.New("resource version conflict")
	// ErrEmptyResourceID is returned when a resource id is empty.
	ErrEmptyResourceID = errors.New("resource id cannot be empty")
)

// Resource is the current durable state of a guarded value: a balance,
// a counter, a slot, or an enum state encoded as an integer. Version is
// a monotonic counter incremented on every committed write and is the
// basis of optimistic concurrency control.
type Resource struct {
	ID        string
	Value     int64
	Version   uint64
	UpdatedAt time.Time
}

// Clone returns a copy so store implementations never hand out aliased
// internal state.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}

	clone := *r

	return &clone
}

// Store is the durable source of truth for resource state.
//
// All mutation goes through CompareAndSet; there is no unconditional
// write. Any backend offering a conditional write qualifies: a
// relational table with a version column, a document store with a
// filtered update, or a key-value store with scripted writes.
type Store interface {
	// Get returns the current resource state or ErrNotFound.
	Get(ctx context.Context, resourceID string) (*Resource, error)

	// Initialize creates the resource with the given starting value at
	// version 1, or returns ErrAlreadyExists. Losing an initialization
	// race to a concurrent writer also returns ErrAlreadyExists.
	Initialize(ctx context.Context, resourceID string, value int64) (*Resource, error)

	// CompareAndSet replaces the resource value if and only if the
	// stored version equals expectedVersion, incrementing the version
	// atomically. Returns ErrVersionConflict when the version moved, or
	// ErrNotFound when the resource does not exist. Concurrent readers
	// never observe a partial write.
	CompareAndSet(ctx context.Context, resourceID string, expectedVersion uint64, newValue int64) (*Resource, error)
}
