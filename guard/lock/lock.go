package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyKey is returned when an empty lock key is provided.
	ErrEmptyKey = errors.New("lock key cannot be empty")
	// ErrInvalidTTL is returned when a non-positive TTL is provided.
	ErrInvalidTTL = errors.New("lock ttl must be greater than 0")
	// ErrExpired is returned by Renew when the lock is no longer held,
	// either because the TTL elapsed or another holder took over.
	ErrExpired = errors.New("lock expired or taken over")
)

// Handle is an acquired lock. It is owned by exactly one acquirer and
// is not safe for concurrent use.
type Handle interface {
	// Key returns the resource key the lock covers.
	Key() string

	// Release gives up the lock. Releasing a lock that already expired
	// is a no-op success: by then the lock has done its job or been
	// taken over, and failing here would compound crash-recovery paths.
	Release(ctx context.Context) error

	// Renew extends the claim by ttl from now. Returns ErrExpired when
	// the lock was lost, in which case the holder must stop mutating.
	Renew(ctx context.Context, ttl time.Duration) error
}

// Coordinator provides short-lived mutual exclusion per resource key.
//
// Acquire never blocks waiting for a holder: contention reports
// acquired=false immediately and callers choose between backoff retry
// and fail-fast. TTL auto-expiry is the sole liveness backstop after a
// holder crash, so TTLs must be sized well above expected hold time
// (three times is a reasonable floor).
//
// Locks here are advisory. They reduce wasted work under contention,
// but correctness is carried by the ledger's compare-and-set; a lock
// overlapping briefly after TTL expiry degrades throughput, never
// consistency.
type Coordinator interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, bool, error)
}
