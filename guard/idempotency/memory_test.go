package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_Lifecycle(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	// First sight: fresh, now reserved.
	reservation, err := cache.CheckAndReserve(ctx, "op-1", "fp-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, reservation.State)

	// Second sight while in flight.
	reservation, err = cache.CheckAndReserve(ctx, "op-1", "fp-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, reservation.State)

	require.NoError(t, cache.RecordResult(ctx, "op-1", "fp-1", []byte(`{"value":40}`), time.Hour))

	// After completion, replays see the stored result and fingerprint.
	reservation, err = cache.CheckAndReserve(ctx, "op-1", "fp-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, reservation.State)
	assert.Equal(t, "fp-1", reservation.Fingerprint)
	assert.Equal(t, []byte(`{"value":40}`), reservation.Result)
}

func TestMemoryCache_Validation(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	_, err := cache.CheckAndReserve(ctx, " ", "fp", time.Minute)
	require.ErrorIs(t, err, ErrEmptyOperationID)

	_, err = cache.CheckAndReserve(ctx, "op-1", "fp", 0)
	require.ErrorIs(t, err, ErrInvalidTTL)

	require.ErrorIs(t, cache.RecordResult(ctx, "", "fp", nil, time.Hour), ErrEmptyOperationID)
	require.ErrorIs(t, cache.RecordResult(ctx, "op-1", "fp", nil, -time.Second), ErrInvalidTTL)
	require.ErrorIs(t, cache.Rollback(ctx, ""), ErrEmptyOperationID)
}

func TestMemoryCache_RecordWithoutReservation(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	require.ErrorIs(t, cache.RecordResult(ctx, "op-1", "fp", nil, time.Hour), ErrNotReserved)
}

func TestMemoryCache_Rollback(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	// Rolling back an unknown id is a no-op.
	require.NoError(t, cache.Rollback(ctx, "op-1"))

	_, err := cache.CheckAndReserve(ctx, "op-1", "fp", time.Minute)
	require.NoError(t, err)

	require.NoError(t, cache.Rollback(ctx, "op-1"))

	// The id is fresh again.
	reservation, err := cache.CheckAndReserve(ctx, "op-1", "fp", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, reservation.State)

	// Completed records survive rollback.
	require.NoError(t, cache.RecordResult(ctx, "op-1", "fp", []byte("done"), time.Hour))
	require.NoError(t, cache.Rollback(ctx, "op-1"))

	reservation, err = cache.CheckAndReserve(ctx, "op-1", "fp", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, reservation.State)
}

func TestMemoryCache_ReservationExpiry(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	_, err := cache.CheckAndReserve(ctx, "op-1", "fp", 30*time.Second)
	require.NoError(t, err)

	// A crashed holder's reservation clears on its own.
	current = current.Add(31 * time.Second)

	reservation, err := cache.CheckAndReserve(ctx, "op-1", "fp", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFresh, reservation.State)

	// An expired reservation can no longer be finalized.
	current = current.Add(31 * time.Second)
	require.ErrorIs(t, cache.RecordResult(ctx, "op-1", "fp", nil, time.Hour), ErrNotReserved)
}
