package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HighNoonStudio/lib-guard/guard/idempotency"
	"github.com/HighNoonStudio/lib-guard/guard/ledger"
	"github.com/HighNoonStudio/lib-guard/guard/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, opts ...Option) (*Guard, *ledger.MemoryStore) {
	t.Helper()

	store := ledger.NewMemoryStore()

	defaults := []Option{WithJournal(store), WithRetryBase(time.Millisecond)}

	g, err := New(store, lock.NewMemoryCoordinator(), idempotency.NewMemoryCache(), append(defaults, opts...)...)
	require.NoError(t, err)

	return g, store
}

// executeWithRetry retries Busy and Contended outcomes the way a
// calling layer would, so concurrency tests stay deterministic.
func executeWithRetry(ctx context.Context, g *Guard, op Operation) (*Receipt, error) {
	for {
		receipt, err := g.Execute(ctx, op)
		if errors.Is(err, ErrBusy) || errors.Is(err, ErrContended) {
			time.Sleep(time.Millisecond)
			continue
		}

		return receipt, err
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestNew_RequiresBackends(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	locks := lock.NewMemoryCoordinator()
	cache := idempotency.NewMemoryCache()

	_, err := New(nil, locks, cache)
	assert.ErrorIs(t, err, ErrStoreRequired)

	_, err = New(store, nil, cache)
	assert.ErrorIs(t, err, ErrLocksRequired)

	_, err = New(store, locks, nil)
	assert.ErrorIs(t, err, ErrCacheRequired)
}

func TestGuard_Execute_Commit(t *testing.T) {
	t.Parallel()

	g, store := newTestGuard(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, "gold:char123", 100)
	require.NoError(t, err)

	receipt, err := g.Execute(ctx, Operation{
		OperationID: "spend-1",
		ResourceID:  "gold:char123",
		Delta:       -60,
		Rules:       []Rule{NonNegative()},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100), receipt.Previous)
	assert.Equal(t, int64(40), receipt.Value)
	assert.Equal(t, uint64(2), receipt.Version)
	assert.False(t, receipt.Replayed)

	resource, err := store.Get(ctx, "gold:char123")
	require.NoError(t, err)
	assert.Equal(t, int64(40), resource.Value)

	entries, err := store.List(ctx, "gold:char123", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "spend-1", entries[0].OperationID)
	assert.Equal(t, int64(100), entries[0].Before)
	assert.Equal(t, int64(40), entries[0].After)
}

func TestGuard_Execute_Replay(t *testing.T) {
	t.Parallel()

	g, store := newTestGuard(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, "reward:char123", 0)
	require.NoError(t, err)

	op := Operation{
		OperationID: "claim-day7-char123",
		ResourceID:  "reward:char123",
		Delta:       500,
	}

	first, err := g.Execute(ctx, op)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := g.Execute(ctx, op)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, first.Version, second.Version)

	// The reward was granted exactly once.
	resource, err := store.Get(ctx, "reward:char123")
	require.NoError(t, err)
	assert.Equal(t, int64(500), resource.Value)

	entries, err := store.List(ctx, "reward:char123", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGuard_Execute_RejectsBelowBounds(t *testing.T) {
	t.Parallel()

	g, store := newTestGuard(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, "gold:char123", 100)
	require.NoError(t, err)

	_, err = g.Execute(ctx, Operation{
		OperationID: "overspend",
		ResourceID:  "gold:char123",
		Delta:       -150,
		Rules:       []Rule{NonNegative()},
	})
	require.ErrorIs(t, err, ErrRejected)
	require.ErrorIs(t, err, ErrBelowMinimum)

	// Value unchanged, nothing journaled.
	resource, err := store.Get(ctx, "gold:char123")
	require.NoError(t, err)
	assert.Equal(t, int64(100), resource.Value)
	assert.Equal(t, uint64(1), resource.Version)

	entries, err := store.List(ctx, "gold:char123", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGuard_Execute_RejectedIDStaysRetryable(t *testing.T) {
	t.Parallel()

	g, store := newTestGuard(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, "gold:char123", 100)
	require.NoError(t, err)

	_, err = g.Execute(ctx, Operation{
		OperationID: "spend-a",
		ResourceID:  "gold:char123",
		Delta:       -150,
		Rules:       []Rule{NonNegative()},
	})
	require.ErrorIs(t, err, ErrRejected)

	// Same id with corrected inputs commits.
	receipt, err := g.Execute(ctx, Operation{
		OperationID: "spend-a",
		ResourceID:  "gold:char123",
		Delta:       -50,
		Rules:       []Rule{NonNegative()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), receipt.Value)
}

func TestGuard_Execute_ConcurrentSpend(t *testing.T) {
	t.Parallel()

	g, store := newTestGuard(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, "gold:duel", 100)
	require.NoError(t, err)

	results := make([]error, 2)

	var wg sync.WaitGroup

	for i, opID := range []string{"duel-bet-a", "duel-bet-b"} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, results[i] = executeWithRetry(ctx, g, Operation{
				OperationID: opID,
				ResourceID:  "gold:duel",
				Delta:       -60,
				Rules:       []Rule{NonNegative()},
			})
		}()
	}

	wg.Wait()

	committed, rejected := 0, 0

	for _, err := range results {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, ErrRejected):
			rejected++
		default:
			t.Fatalf("unexpected outcome: %v", err)
		}
	}

	assert.Equal(t, 1, committed, "exactly one spend commits")
	assert.Equal(t, 1, rejected, "the other is rejected, never driven negative")

	resource, err := store.Get(ctx, "gold:duel")
	require.NoError(t, err)
	assert.Equal(t, int64(40), resource.Value, "never -20")
}

func TestGuard_Execute_NoLostUpdates(t *testing.T) {
	t.Parallel()

	const writers = 32

	g, store := newTestGuard(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, "counter:wins", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := executeWithRetry(ctx, g, Operation{
				OperationID: fmt.Sprintf("win-%d", i),
				ResourceID:  "counter:wins",
				Delta:       1,
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	resource, err := store.Get(ctx, "counter:wins")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), resource.Value)
}

func TestGuard_Execute_FingerprintMismatch(t *testing.T) {
	t.Parallel()

	g, store := newTestGuard(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, "reward:char9", 0)
	require.NoError(t, err)

	_, err = g.Execute(ctx, Operation{
		OperationID: "claim-weekly",
		ResourceID:  "reward:char9",
		Delta:       100,
	})
	require.NoError(t, err)

	// Same id, mutated payload: the classic double-claim exploit shape.
	_, err = g.Execute(ctx, Operation{
		OperationID: "claim-weekly",
		ResourceID:  "reward:char9",
		Delta:       100000,
	})
	require.ErrorIs(t, err, ErrFingerprintMismatch)

	resource, err := store.Get(ctx, "reward:char9")
	require.NoError(t, err)
	assert.Equal(t, int64(100), resource.Value)
}

func TestGuard_Execute_BusyWhileLocked(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	locks := lock.NewMemoryCoordinator()

	g, err := New(store, locks, idempotency.NewMemoryCache(), WithRetryBase(time.Millisecond))
	require.NoError(t, err)

	ctx := context.Background()

	_, err = store.Initialize(ctx, "energy:char1", 10)
	require.NoError(t, err)

	handle, acquired, err := locks.Acquire(ctx, lockKeyPrefix+"energy:char1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = g.Execute(ctx, Operation{
		OperationID: "train-1",
		ResourceID:  "energy:char1",
		Delta:       -5,
	})
	require.ErrorIs(t, err, ErrBusy)

	// The reservation was rolled back, so the same id succeeds once the
	// lock frees.
	require.NoError(t, handle.Release(ctx))

	receipt, err := g.Execute(ctx, Operation{
		OperationID: "train-1",
		ResourceID:  "energy:char1",
		Delta:       -5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), receipt.Value)
}

func TestGuard_Execute_InProgressDuplicate(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	cache := idempotency.NewMemoryCache()

	g, err := New(store, lock.NewMemoryCoordinator(), cache)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = store.Initialize(ctx, "gold:char2", 100)
	require.NoError(t, err)

	// Simulate a concurrent attempt mid-flight with the same id.
	reservation, err := cache.CheckAndReserve(ctx, "spend-x", "fp", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idempotency.StateFresh, reservation.State)

	_, err = g.Execute(ctx, Operation{
		OperationID: "spend-x",
		ResourceID:  "gold:char2",
		Delta:       -10,
	})
	require.ErrorIs(t, err, ErrBusy)
}

func TestGuard_Execute_NotFound(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t)

	_, err := g.Execute(context.Background(), Operation{
		OperationID: "op-1",
		ResourceID:  "ghost",
		Delta:       1,
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGuard_Execute_LazyInit(t *testing.T) {
	t.Parallel()

	g, store := newTestGuard(t)
	ctx := context.Background()

	receipt, err := g.Execute(ctx, Operation{
		OperationID:  "first-touch",
		ResourceID:   "energy:newchar",
		Delta:        -20,
		InitialValue: int64Ptr(100),
		Rules:        []Rule{NonNegative()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), receipt.Previous)
	assert.Equal(t, int64(80), receipt.Value)

	resource, err := store.Get(ctx, "energy:newchar")
	require.NoError(t, err)
	assert.Equal(t, int64(80), resource.Value)
}

func TestGuard_Execute_StateMachine(t *testing.T) {
	t.Parallel()

	const (
		stateUnclaimed int64 = 0
		stateClaimed   int64 = 1
	)

	transitions := Transitions(map[int64][]int64{
		stateUnclaimed: {stateClaimed},
	})

	g, store := newTestGuard(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, "slot:day7", stateUnclaimed)
	require.NoError(t, err)

	receipt, err := g.Execute(ctx, Operation{
		OperationID: "claim-1",
		ResourceID:  "slot:day7",
		TargetState: int64Ptr(stateClaimed),
		Rules:       []Rule{transitions},
	})
	require.NoError(t, err)
	assert.Equal(t, stateClaimed, receipt.Value)

	// CLAIMED -> CLAIMED is illegal under a fresh operation id.
	_, err = g.Execute(ctx, Operation{
		OperationID: "claim-2",
		ResourceID:  "slot:day7",
		TargetState: int64Ptr(stateClaimed),
		Rules:       []Rule{transitions},
	})
	require.ErrorIs(t, err, ErrIllegalTransition)
}

// failingCache simulates an unreachable idempotency backend.
type failingCache struct{}

func (failingCache) CheckAndReserve(context.Context, string, string, time.Duration) (*idempotency.Reservation, error) {
	return nil, errors.New("connection refused")
}

func (failingCache) RecordResult(context.Context, string, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (failingCache) Rollback(context.Context, string) error {
	return errors.New("connection refused")
}

func TestGuard_Execute_FailsClosedOnCacheOutage(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()

	g, err := New(store, lock.NewMemoryCoordinator(), failingCache{})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = store.Initialize(ctx, "gold:char3", 100)
	require.NoError(t, err)

	_, err = g.Execute(ctx, Operation{
		OperationID: "spend-y",
		ResourceID:  "gold:char3",
		Delta:       -10,
	})
	require.ErrorIs(t, err, ErrBackendUnavailable)

	// Nothing committed.
	resource, err := store.Get(ctx, "gold:char3")
	require.NoError(t, err)
	assert.Equal(t, int64(100), resource.Value)
	assert.Equal(t, uint64(1), resource.Version)
}

// conflictStore always reports a version conflict on write.
type conflictStore struct {
	*ledger.MemoryStore
}

func (s conflictStore) CompareAndSet(context.Context, string, uint64, int64) (*ledger.Resource, error) {
	return nil, ledger.ErrVersionConflict
}

func TestGuard_Execute_Contended(t *testing.T) {
	t.Parallel()

	memory := ledger.NewMemoryStore()
	store := conflictStore{memory}

	g, err := New(store, lock.NewMemoryCoordinator(), idempotency.NewMemoryCache(),
		WithCASRetries(2), WithRetryBase(time.Millisecond))
	require.NoError(t, err)

	ctx := context.Background()

	_, err = memory.Initialize(ctx, "gold:char4", 100)
	require.NoError(t, err)

	_, err = g.Execute(ctx, Operation{
		OperationID: "spend-z",
		ResourceID:  "gold:char4",
		Delta:       -10,
	})
	require.ErrorIs(t, err, ErrContended)

	// The id stays retryable after contention.
	g2, err := New(memory, lock.NewMemoryCoordinator(), idempotency.NewMemoryCache())
	require.NoError(t, err)

	_, err = g2.Execute(ctx, Operation{
		OperationID: "spend-z",
		ResourceID:  "gold:char4",
		Delta:       -10,
	})
	require.NoError(t, err)
}

func TestGuard_Execute_OverflowRejected(t *testing.T) {
	t.Parallel()

	g, store := newTestGuard(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, "gold:whale", int64(1)<<62)
	require.NoError(t, err)

	_, err = g.Execute(ctx, Operation{
		OperationID: "dupe-exploit",
		ResourceID:  "gold:whale",
		Delta:       int64(1) << 62,
	})
	require.ErrorIs(t, err, ErrOverflow)
	require.ErrorIs(t, err, ErrRejected)
}

func TestGuard_Execute_InvalidOperation(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(t)

	_, err := g.Execute(context.Background(), Operation{ResourceID: "x", Delta: 1})
	require.ErrorIs(t, err, ErrInvalidOperation)

	_, err = g.Execute(context.Background(), Operation{OperationID: "op", Delta: 1})
	require.ErrorIs(t, err, ErrInvalidOperation)
}
