// Package redis implements the ledger store on Redis: resource state in
// hashes with scripted compare-and-set, journal entries in capped lists.
package redis
