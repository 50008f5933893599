package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCoordinator_Acquire(t *testing.T) {
	t.Parallel()

	coordinator := NewMemoryCoordinator()
	ctx := context.Background()

	handle, acquired, err := coordinator.Acquire(ctx, "gold:char1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.Equal(t, "gold:char1", handle.Key())

	// Second acquire on a held key reports contention without error.
	_, acquired, err = coordinator.Acquire(ctx, "gold:char1", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// A different key is independent.
	_, acquired, err = coordinator.Acquire(ctx, "gold:char2", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, handle.Release(ctx))

	_, acquired, err = coordinator.Acquire(ctx, "gold:char1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMemoryCoordinator_AcquireValidation(t *testing.T) {
	t.Parallel()

	coordinator := NewMemoryCoordinator()
	ctx := context.Background()

	_, _, err := coordinator.Acquire(ctx, "  ", time.Minute)
	require.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = coordinator.Acquire(ctx, "gold:char1", 0)
	require.ErrorIs(t, err, ErrInvalidTTL)

	_, _, err = coordinator.Acquire(ctx, "gold:char1", -time.Second)
	require.ErrorIs(t, err, ErrInvalidTTL)
}

func TestMemoryCoordinator_TTLExpiry(t *testing.T) {
	t.Parallel()

	coordinator := NewMemoryCoordinator()
	ctx := context.Background()

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	coordinator.now = func() time.Time { return current }

	stale, acquired, err := coordinator.Acquire(ctx, "gold:char1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	// Still held just before expiry.
	current = current.Add(9 * time.Second)

	_, acquired, err = coordinator.Acquire(ctx, "gold:char1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Expired: the key frees itself without any release.
	current = current.Add(2 * time.Second)

	fresh, acquired, err := coordinator.Acquire(ctx, "gold:char1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	// The stale handle lost ownership: renew fails, release is a no-op
	// that must not free the new holder's lock.
	require.ErrorIs(t, stale.Renew(ctx, 10*time.Second), ErrExpired)
	require.NoError(t, stale.Release(ctx))

	_, acquired, err = coordinator.Acquire(ctx, "gold:char1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, fresh.Release(ctx))
}

func TestMemoryCoordinator_Renew(t *testing.T) {
	t.Parallel()

	coordinator := NewMemoryCoordinator()
	ctx := context.Background()

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	coordinator.now = func() time.Time { return current }

	handle, acquired, err := coordinator.Acquire(ctx, "gold:char1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	require.ErrorIs(t, handle.Renew(ctx, 0), ErrInvalidTTL)

	// Renewal extends from now, pushing expiry past the original TTL.
	current = current.Add(8 * time.Second)
	require.NoError(t, handle.Renew(ctx, 10*time.Second))

	current = current.Add(9 * time.Second)

	_, acquired, err = coordinator.Acquire(ctx, "gold:char1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired, "renewed hold is still live 17s after acquire")
}
