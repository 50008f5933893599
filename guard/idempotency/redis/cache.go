package redis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HighNoonStudio/lib-guard/guard/idempotency"
	"github.com/HighNoonStudio/lib-guard/guard/log"
	"github.com/HighNoonStudio/lib-guard/guard/telemetry"
	goredislib "github.com/redis/go-redis/v9"
)

var (
	// ErrNilClient is returned when a nil redis client is provided.
	ErrNilClient = errors.New("redis client is nil")
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt idempotency record")
	// ErrInvalidFingerprint is returned when a fingerprint contains the
	// record separator.
	ErrInvalidFingerprint = errors.New("fingerprint cannot contain separator")
)

const (
	defaultKeyPrefix = "guard:idem:"

	statePending   = "IN_PROGRESS"
	stateCompleted = "COMPLETED"
)

// Records are stored as "<state>|<fingerprint>|<base64 result>" so the
// Lua scripts can branch on state with a plain prefix check instead of
// parsing JSON server-side.
const recordSeparator = "|"

// reserveScript reserves a fresh operation id atomically, or returns
// the existing record verbatim.
var reserveScript = goredislib.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
  return current
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ''
`)

// recordScript finalizes a reservation only while it is still pending.
var recordScript = goredislib.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return 0
end
if string.sub(current, 1, string.len(ARGV[3])) ~= ARGV[3] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// rollbackScript deletes a reservation only while it is still pending,
// so a completed result can never be erased by a late rollback.
var rollbackScript = goredislib.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return 0
end
if string.sub(current, 1, string.len(ARGV[1])) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// Cache implements idempotency.Cache on Redis with TTL-expiring keys.
type Cache struct {
	client    goredislib.UniversalClient
	logger    log.Logger
	keyPrefix string
}

var _ idempotency.Cache = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the structured logger. Defaults to the no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(cache *Cache) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// WithKeyPrefix overrides the key namespace. Defaults to "guard:idem:".
func WithKeyPrefix(prefix string) Option {
	return func(cache *Cache) {
		if strings.TrimSpace(prefix) != "" {
			cache.keyPrefix = prefix
		}
	}
}

// NewCache creates a Redis-backed idempotency cache.
func NewCache(client goredislib.UniversalClient, opts ...Option) (*Cache, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	cache := &Cache{
		client:    client,
		logger:    log.NewNop(),
		keyPrefix: defaultKeyPrefix,
	}

	for _, opt := range opts {
		opt(cache)
	}

	return cache, nil
}

func (cache *Cache) key(operationID string) string {
	return cache.keyPrefix + operationID
}

// CheckAndReserve reserves a fresh id or reports its current state.
func (cache *Cache) CheckAndReserve(ctx context.Context, operationID, fingerprint string, reserveTTL time.Duration) (*idempotency.Reservation, error) {
	if strings.TrimSpace(operationID) == "" {
		return nil, idempotency.ErrEmptyOperationID
	}

	if reserveTTL <= 0 {
		return nil, idempotency.ErrInvalidTTL
	}

	if strings.Contains(fingerprint, recordSeparator) {
		return nil, ErrInvalidFingerprint
	}

	ctx, span := telemetry.Tracer().Start(ctx, "idempotency.redis.check_and_reserve")
	defer span.End()

	pending := encodeRecord(statePending, fingerprint, nil)

	raw, err := reserveScript.Run(ctx, cache.client, []string{cache.key(operationID)}, pending, reserveTTL.Milliseconds()).Text()
	if err != nil {
		telemetry.HandleSpanError(span, "reserve script failed", err)

		return nil, fmt.Errorf("idempotency reserve %s: %w", operationID, err)
	}

	if raw == "" {
		cache.logger.Log(ctx, log.LevelDebug, "operation reserved", log.String("operation_id", operationID))

		return &idempotency.Reservation{State: idempotency.StateFresh, Fingerprint: fingerprint}, nil
	}

	state, storedFingerprint, result, err := decodeRecord(raw)
	if err != nil {
		telemetry.HandleSpanError(span, "record decode failed", err)

		return nil, fmt.Errorf("idempotency record %s: %w", operationID, err)
	}

	reservation := &idempotency.Reservation{Fingerprint: storedFingerprint}

	switch state {
	case statePending:
		reservation.State = idempotency.StateInProgress
	case stateCompleted:
		reservation.State = idempotency.StateCompleted
		reservation.Result = result
	default:
		return nil, fmt.Errorf("idempotency record %s: %w: state %q", operationID, ErrCorruptRecord, state)
	}

	return reservation, nil
}

// RecordResult finalizes an in-progress reservation with the committed
// outcome. ErrNotReserved means the reservation expired or was rolled
// back before commit, which a caller must treat as a consistency alarm.
func (cache *Cache) RecordResult(ctx context.Context, operationID, fingerprint string, result []byte, ttl time.Duration) error {
	if strings.TrimSpace(operationID) == "" {
		return idempotency.ErrEmptyOperationID
	}

	if ttl <= 0 {
		return idempotency.ErrInvalidTTL
	}

	if strings.Contains(fingerprint, recordSeparator) {
		return ErrInvalidFingerprint
	}

	ctx, span := telemetry.Tracer().Start(ctx, "idempotency.redis.record_result")
	defer span.End()

	completed := encodeRecord(stateCompleted, fingerprint, result)

	updated, err := recordScript.Run(ctx, cache.client, []string{cache.key(operationID)},
		completed, ttl.Milliseconds(), statePending+recordSeparator).Int()
	if err != nil {
		telemetry.HandleSpanError(span, "record script failed", err)

		return fmt.Errorf("idempotency record result %s: %w", operationID, err)
	}

	if updated == 0 {
		return fmt.Errorf("idempotency record result %s: %w", operationID, idempotency.ErrNotReserved)
	}

	return nil
}

// Rollback releases an in-progress reservation; completed records are
// never touched.
func (cache *Cache) Rollback(ctx context.Context, operationID string) error {
	if strings.TrimSpace(operationID) == "" {
		return idempotency.ErrEmptyOperationID
	}

	ctx, span := telemetry.Tracer().Start(ctx, "idempotency.redis.rollback")
	defer span.End()

	_, err := rollbackScript.Run(ctx, cache.client, []string{cache.key(operationID)}, statePending+recordSeparator).Int()
	if err != nil {
		telemetry.HandleSpanError(span, "rollback script failed", err)

		return fmt.Errorf("idempotency rollback %s: %w", operationID, err)
	}

	return nil
}

func encodeRecord(state, fingerprint string, result []byte) string {
	return state + recordSeparator + fingerprint + recordSeparator + base64.StdEncoding.EncodeToString(result)
}

func decodeRecord(raw string) (state, fingerprint string, result []byte, err error) {
	parts := strings.SplitN(raw, recordSeparator, 3)
	if len(parts) != 3 {
		return "", "", nil, ErrCorruptRecord
	}

	decoded, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}

	if len(decoded) == 0 {
		decoded = nil
	}

	return parts[0], parts[1], decoded, nil
}
