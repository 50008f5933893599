// Package idempotency defines the replay-detection cache that makes
// duplicate operation submissions safe. Reservations and results are
// TTL-bounded; backend failures always surface so callers can fail
// closed.
//
// The redis subpackage provides the distributed implementation.
package idempotency
