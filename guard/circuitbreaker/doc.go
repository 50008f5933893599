// Package circuitbreaker wraps sony/gobreaker with typed errors so the
// transition guard can fail closed when a backend is unhealthy instead
// of hammering it.
package circuitbreaker
