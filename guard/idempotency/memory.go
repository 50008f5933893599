package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryRecord struct {
	state       State
	fingerprint string
	result      []byte
	expiresAt   time.Time
}

// MemoryCache is an in-process Cache for tests and single-node tooling.
// Expired records are reaped lazily on access.
type MemoryCache struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	now     func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		records: make(map[string]*memoryRecord),
		now:     time.Now,
	}
}

// CheckAndReserve reserves a fresh id or reports its current state.
func (cache *MemoryCache) CheckAndReserve(_ context.Context, operationID, fingerprint string, reserveTTL time.Duration) (*Reservation, error) {
	if strings.TrimSpace(operationID) == "" {
		return nil, ErrEmptyOperationID
	}

	if reserveTTL <= 0 {
		return nil, ErrInvalidTTL
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	now := cache.now()

	if record, ok := cache.records[operationID]; ok && now.Before(record.expiresAt) {
		reservation := &Reservation{State: record.state, Fingerprint: record.fingerprint}
		if record.state == StateCompleted {
			reservation.Result = append([]byte(nil), record.result...)
		}

		return reservation, nil
	}

	cache.records[operationID] = &memoryRecord{
		state:       StateInProgress,
		fingerprint: fingerprint,
		expiresAt:   now.Add(reserveTTL),
	}

	return &Reservation{State: StateFresh, Fingerprint: fingerprint}, nil
}

// RecordResult finalizes an in-progress reservation.
func (cache *MemoryCache) RecordResult(_ context.Context, operationID, fingerprint string, result []byte, ttl time.Duration) error {
	if strings.TrimSpace(operationID) == "" {
		return ErrEmptyOperationID
	}

	if ttl <= 0 {
		return ErrInvalidTTL
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	now := cache.now()

	record, ok := cache.records[operationID]
	if !ok || !now.Before(record.expiresAt) || record.state != StateInProgress {
		return ErrNotReserved
	}

	record.state = StateCompleted
	record.fingerprint = fingerprint
	record.result = append([]byte(nil), result...)
	record.expiresAt = now.Add(ttl)

	return nil
}

// Rollback releases an in-progress reservation. Completed records and
// unknown ids are left untouched.
func (cache *MemoryCache) Rollback(_ context.Context, operationID string) error {
	if strings.TrimSpace(operationID) == "" {
		return ErrEmptyOperationID
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	record, ok := cache.records[operationID]
	if !ok {
		return nil
	}

	if record.state == StateInProgress {
		delete(cache.records, operationID)
	}

	return nil
}
