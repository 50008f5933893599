package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HighNoonStudio/lib-guard/guard/lock"
	"github.com/HighNoonStudio/lib-guard/guard/log"
	"github.com/HighNoonStudio/lib-guard/guard/telemetry"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// ErrNilClient is returned when a nil redis client is provided.
var ErrNilClient = errors.New("redis client is nil")

// Coordinator implements lock.Coordinator on Redis using the RedLock
// algorithm via redsync. Mutual exclusion holds across service
// instances; TTL auto-expiry guarantees liveness after a crash.
type Coordinator struct {
	redsync *redsync.Redsync
	logger  log.Logger
}

var _ lock.Coordinator = (*Coordinator)(nil)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger. Defaults to the no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a Redis-backed lock coordinator.
//
// Thread-safe: multiple goroutines can share one Coordinator.
func NewCoordinator(client goredislib.UniversalClient, opts ...Option) (*Coordinator, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	coordinator := &Coordinator{
		redsync: redsync.New(goredis.NewPool(client)),
		logger:  log.NewNop(),
	}

	for _, opt := range opts {
		opt(coordinator)
	}

	return coordinator, nil
}

// Acquire attempts to take the lock without retrying. Contention
// reports acquired=false; only unexpected failures (network errors,
// context cancellation) return an error.
func (c *Coordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Handle, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, lock.ErrEmptyKey
	}

	if ttl <= 0 {
		return nil, false, lock.ErrInvalidTTL
	}

	ctx, span := telemetry.Tracer().Start(ctx, "lock.redis.acquire")
	defer span.End()

	mutex := c.redsync.NewMutex(
		key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		if isContention(err) {
			c.logger.Log(ctx, log.LevelDebug, "lock already held", log.String("lock_key", key))
			return nil, false, nil
		}

		c.logger.Log(ctx, log.LevelError, "lock acquisition failed", log.String("lock_key", key), log.Err(err))
		telemetry.HandleSpanError(span, "failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	c.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", key), log.Duration("ttl", ttl))

	return &handle{mutex: mutex, key: key, logger: c.logger}, true, nil
}

// handle wraps a redsync.Mutex as a lock.Handle.
type handle struct {
	mutex  *redsync.Mutex
	key    string
	logger log.Logger
}

func (h *handle) Key() string { return h.key }

// Release gives up the lock. A lock that already expired or was taken
// over releases as a no-op success; only transport failures error.
func (h *handle) Release(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) || isContention(err) {
			h.logger.Log(ctx, log.LevelDebug, "lock already expired on release", log.String("lock_key", h.key))
			return nil
		}

		h.logger.Log(ctx, log.LevelError, "lock release failed", log.String("lock_key", h.key), log.Err(err))

		return fmt.Errorf("release lock %s: %w", h.key, err)
	}

	if !ok {
		h.logger.Log(ctx, log.LevelDebug, "lock was not held on release", log.String("lock_key", h.key))
	}

	return nil
}

// Renew extends the claim. redsync extends by the expiry the lock was
// acquired with; the ttl argument only validates intent and must be
// positive. Returns lock.ErrExpired when the hold was lost.
func (h *handle) Renew(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return lock.ErrInvalidTTL
	}

	ok, err := h.mutex.ExtendContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) || isContention(err) {
			return lock.ErrExpired
		}

		return fmt.Errorf("renew lock %s: %w", h.key, err)
	}

	if !ok {
		return lock.ErrExpired
	}

	return nil
}

// isContention reports whether err means another holder owns the lock.
// redsync surfaces contention in a few shapes depending on topology, so
// a message check backstops the typed checks.
func isContention(err error) bool {
	if err == nil {
		return false
	}

	var taken *redsync.ErrTaken
	if errors.As(err, &taken) {
		return true
	}

	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
