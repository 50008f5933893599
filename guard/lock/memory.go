package lock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCoordinator is an in-process Coordinator for tests and
// single-node tooling. Expired holds are reaped lazily on the next
// Acquire of the same key, mirroring how TTL-keyed stores behave.
type MemoryCoordinator struct {
	mu    sync.Mutex
	holds map[string]*memoryHold
	// now is swappable for expiry tests.
	now func() time.Time
}

type memoryHold struct {
	holder    string
	expiresAt time.Time
}

var _ Coordinator = (*MemoryCoordinator)(nil)

// NewMemoryCoordinator creates an empty in-memory coordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		holds: make(map[string]*memoryHold),
		now:   time.Now,
	}
}

// Acquire takes the lock if it is free or its previous hold expired.
func (c *MemoryCoordinator) Acquire(_ context.Context, key string, ttl time.Duration) (Handle, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}

	if ttl <= 0 {
		return nil, false, ErrInvalidTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if hold, ok := c.holds[key]; ok && now.Before(hold.expiresAt) {
		return nil, false, nil
	}

	holder := uuid.NewString()
	c.holds[key] = &memoryHold{holder: holder, expiresAt: now.Add(ttl)}

	return &memoryHandle{coordinator: c, key: key, holder: holder}, true, nil
}

type memoryHandle struct {
	coordinator *MemoryCoordinator
	key         string
	holder      string
}

func (h *memoryHandle) Key() string { return h.key }

// Release frees the lock if this handle still holds it. A hold that
// expired or was taken over releases as a no-op success.
func (h *memoryHandle) Release(_ context.Context) error {
	h.coordinator.mu.Lock()
	defer h.coordinator.mu.Unlock()

	if hold, ok := h.coordinator.holds[h.key]; ok && hold.holder == h.holder {
		delete(h.coordinator.holds, h.key)
	}

	return nil
}

// Renew extends the hold if this handle still owns it.
func (h *memoryHandle) Renew(_ context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	h.coordinator.mu.Lock()
	defer h.coordinator.mu.Unlock()

	now := h.coordinator.now()

	hold, ok := h.coordinator.holds[h.key]
	if !ok || hold.holder != h.holder || !now.Before(hold.expiresAt) {
		return ErrExpired
	}

	hold.expiresAt = now.Add(ttl)

	return nil
}
