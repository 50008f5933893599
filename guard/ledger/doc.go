// Package ledger defines the durable source of truth for guarded
// resources: versioned current state with compare-and-set writes, plus
// an append-only journal of committed transitions.
//
// Backend adapters live in the redis, mongodb, and postgres
// subpackages; the in-memory implementation in this package backs tests
// and single-node tooling.
package ledger
