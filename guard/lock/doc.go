// Package lock defines the advisory per-resource mutual exclusion
// contract used by the transition guard, with TTL auto-expiry as the
// liveness backstop after holder crashes.
//
// The redis subpackage provides the distributed implementation.
package lock
