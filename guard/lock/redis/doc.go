// Package redis implements the lock coordinator on Redis via the
// RedLock algorithm (redsync).
package redis
