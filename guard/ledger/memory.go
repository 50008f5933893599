package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultRetainedEntries = 1024

// MemoryStore is an in-process Store and Journal for tests and
// single-node tooling. Production deployments use the redis, mongodb,
// or postgres subpackages; process-local state cannot survive restarts
// or span instances.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*Resource
	journal   map[string][]*Entry
	retain    int
}

// Compile-time interface assertions.
var (
	_ Store   = (*MemoryStore)(nil)
	_ Journal = (*MemoryStore)(nil)
)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRetainedEntries bounds how many journal entries are kept per
// resource. Older entries are discarded on append.
func WithRetainedEntries(n int) MemoryOption {
	return func(store *MemoryStore) {
		if n > 0 {
			store.retain = n
		}
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		resources: make(map[string]*Resource),
		journal:   make(map[string][]*Entry),
		retain:    defaultRetainedEntries,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Get returns the current resource state or ErrNotFound.
func (store *MemoryStore) Get(_ context.Context, resourceID string) (*Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ErrEmptyResourceID
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	resource, ok := store.resources[resourceID]
	if !ok {
		return nil, ErrNotFound
	}

	return resource.Clone(), nil
}

// Initialize creates the resource at version 1 or returns ErrAlreadyExists.
func (store *MemoryStore) Initialize(_ context.Context, resourceID string, value int64) (*Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ErrEmptyResourceID
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.resources[resourceID]; ok {
		return nil, ErrAlreadyExists
	}

	resource := &Resource{
		ID:        resourceID,
		Value:     value,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
	store.resources[resourceID] = resource

	return resource.Clone(), nil
}

// CompareAndSet replaces the value if the stored version matches.
func (store *MemoryStore) CompareAndSet(_ context.Context, resourceID string, expectedVersion uint64, newValue int64) (*Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ErrEmptyResourceID
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	resource, ok := store.resources[resourceID]
	if !ok {
		return nil, ErrNotFound
	}

	if resource.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	resource.Value = newValue
	resource.Version++
	resource.UpdatedAt = time.Now().UTC()

	return resource.Clone(), nil
}

// Append records a committed entry, trimming to the retention bound.
func (store *MemoryStore) Append(_ context.Context, entry *Entry) error {
	if entry == nil {
		return ErrEntryRequired
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	entries := append(store.journal[entry.ResourceID], cloneEntry(entry))
	if len(entries) > store.retain {
		entries = entries[len(entries)-store.retain:]
	}

	store.journal[entry.ResourceID] = entries

	return nil
}

// List returns up to limit entries for a resource, newest first.
// A non-positive limit returns all retained entries.
func (store *MemoryStore) List(_ context.Context, resourceID string, limit int) ([]*Entry, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ErrEmptyResourceID
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	entries := store.journal[resourceID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}

	out := make([]*Entry, 0, limit)
	for i := len(entries) - 1; i >= len(entries)-limit; i-- {
		out = append(out, cloneEntry(entries[i]))
	}

	return out, nil
}

func cloneEntry(entry *Entry) *Entry {
	clone := *entry

	return &clone
}
