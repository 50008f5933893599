// Package guard implements an idempotent resource-transition guard:
// the single entry point through which economy-affecting state changes
// (spend a balance, claim a reward, flip a slot) are applied atomically,
// exactly once, and within domain bounds under concurrent callers.
//
// A transition runs as: reserve the operation id in the idempotency
// cache, take the advisory per-resource lock, validate domain rules
// against current state, commit via the ledger's compare-and-set,
// append an audit entry, and finalize the stored result for replays.
// Replayed operation ids return the original receipt without
// re-executing; cache or store outages fail closed.
//
// Backends are pluggable through the ledger, lock, and idempotency
// packages, which ship in-memory, Redis, MongoDB, and PostgreSQL
// implementations.
package guard
