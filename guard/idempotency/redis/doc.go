// Package redis implements the idempotency cache on Redis with
// TTL-expiring keys and scripted atomic reserve/record/rollback.
package redis
