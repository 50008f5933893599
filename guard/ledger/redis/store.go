package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/HighNoonStudio/lib-guard/guard/ledger"
	"github.com/HighNoonStudio/lib-guard/guard/log"
	"github.com/HighNoonStudio/lib-guard/guard/telemetry"
	goredislib "github.com/redis/go-redis/v9"
)

var (
	// ErrNilClient is returned when a nil redis client is provided.
	ErrNilClient = errors.New("redis client is nil")
	// ErrCorruptResource is returned when a stored resource hash cannot
	// be decoded.
	ErrCorruptResource = errors.New("corrupt resource record")
)

const (
	defaultResourcePrefix = "guard:res:"
	defaultJournalPrefix  = "guard:journal:"
	defaultRetained       = 1024

	statusNotFound        = -1
	statusVersionConflict = -2
)

// initScript creates the resource hash only if it does not exist.
var initScript = goredislib.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', 1, 'updated_at', ARGV[2])
return 1
`)

// casScript performs the conditional write: the version field must
// equal the expected version or nothing is written.
var casScript = goredislib.NewScript(`
local version = redis.call('HGET', KEYS[1], 'version')
if not version then
  return -1
end
if version ~= ARGV[1] then
  return -2
end
local next = version + 1
redis.call('HSET', KEYS[1], 'value', ARGV[2], 'version', next, 'updated_at', ARGV[3])
return next
`)

// Store implements ledger.Store and ledger.Journal on Redis. Resource
// state lives in a hash per resource; the journal is a capped list of
// JSON entries, newest first.
type Store struct {
	client         goredislib.UniversalClient
	logger         log.Logger
	resourcePrefix string
	journalPrefix  string
	retain         int
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ ledger.Journal = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger. Defaults to the no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithKeyPrefixes overrides the resource and journal key namespaces.
func WithKeyPrefixes(resource, journal string) Option {
	return func(store *Store) {
		if strings.TrimSpace(resource) != "" {
			store.resourcePrefix = resource
		}

		if strings.TrimSpace(journal) != "" {
			store.journalPrefix = journal
		}
	}
}

// WithRetainedEntries bounds how many journal entries are kept per
// resource.
func WithRetainedEntries(n int) Option {
	return func(store *Store) {
		if n > 0 {
			store.retain = n
		}
	}
}

// NewStore creates a Redis-backed ledger store.
func NewStore(client goredislib.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	store := &Store{
		client:         client,
		logger:         log.NewNop(),
		resourcePrefix: defaultResourcePrefix,
		journalPrefix:  defaultJournalPrefix,
		retain:         defaultRetained,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

func (store *Store) resourceKey(resourceID string) string {
	return store.resourcePrefix + resourceID
}

func (store *Store) journalKey(resourceID string) string {
	return store.journalPrefix + resourceID
}

// Get returns the current resource state or ledger.ErrNotFound.
func (store *Store) Get(ctx context.Context, resourceID string) (*ledger.Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	fields, err := store.client.HGetAll(ctx, store.resourceKey(resourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger get %s: %w", resourceID, err)
	}

	if len(fields) == 0 {
		return nil, ledger.ErrNotFound
	}

	return decodeResource(resourceID, fields)
}

// Initialize creates the resource at version 1 or returns
// ledger.ErrAlreadyExists.
func (store *Store) Initialize(ctx context.Context, resourceID string, value int64) (*ledger.Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	ctx, span := telemetry.Tracer().Start(ctx, "ledger.redis.initialize")
	defer span.End()

	now := time.Now().UTC()

	status, err := initScript.Run(ctx, store.client, []string{store.resourceKey(resourceID)},
		value, now.UnixMilli()).Int()
	if err != nil {
		telemetry.HandleSpanError(span, "initialize script failed", err)

		return nil, fmt.Errorf("ledger initialize %s: %w", resourceID, err)
	}

	if status == statusNotFound {
		return nil, ledger.ErrAlreadyExists
	}

	store.logger.Log(ctx, log.LevelDebug, "resource initialized",
		log.String("resource_id", resourceID), log.Int64("value", value))

	return &ledger.Resource{ID: resourceID, Value: value, Version: 1, UpdatedAt: now}, nil
}

// CompareAndSet replaces the value if the stored version matches.
func (store *Store) CompareAndSet(ctx context.Context, resourceID string, expectedVersion uint64, newValue int64) (*ledger.Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	ctx, span := telemetry.Tracer().Start(ctx, "ledger.redis.compare_and_set")
	defer span.End()

	now := time.Now().UTC()

	status, err := casScript.Run(ctx, store.client, []string{store.resourceKey(resourceID)},
		strconv.FormatUint(expectedVersion, 10), newValue, now.UnixMilli()).Int64()
	if err != nil {
		telemetry.HandleSpanError(span, "compare-and-set script failed", err)

		return nil, fmt.Errorf("ledger compare-and-set %s: %w", resourceID, err)
	}

	switch status {
	case statusNotFound:
		return nil, ledger.ErrNotFound
	case statusVersionConflict:
		return nil, ledger.ErrVersionConflict
	}

	return &ledger.Resource{
		ID:        resourceID,
		Value:     newValue,
		Version:   uint64(status),
		UpdatedAt: now,
	}, nil
}

// Append pushes a committed entry onto the journal list, trimming to
// the retention bound.
func (store *Store) Append(ctx context.Context, entry *ledger.Entry) error {
	if entry == nil {
		return ledger.ErrEntryRequired
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger journal encode: %w", err)
	}

	key := store.journalKey(entry.ResourceID)

	pipe := store.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(store.retain-1))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger journal append %s: %w", entry.ResourceID, err)
	}

	return nil
}

// List returns up to limit entries, newest first. A non-positive limit
// returns the full retained window.
func (store *Store) List(ctx context.Context, resourceID string, limit int) ([]*ledger.Entry, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	if limit <= 0 {
		limit = store.retain
	}

	raw, err := store.client.LRange(ctx, store.journalKey(resourceID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger journal list %s: %w", resourceID, err)
	}

	entries := make([]*ledger.Entry, 0, len(raw))

	for _, item := range raw {
		entry := &ledger.Entry{}
		if err := json.Unmarshal([]byte(item), entry); err != nil {
			return nil, fmt.Errorf("ledger journal decode %s: %w", resourceID, err)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func decodeResource(resourceID string, fields map[string]string) (*ledger.Resource, error) {
	value, err := strconv.ParseInt(fields["value"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: value %q", ErrCorruptResource, fields["value"])
	}

	version, err := strconv.ParseUint(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q", ErrCorruptResource, fields["version"])
	}

	updatedMilli, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: updated_at %q", ErrCorruptResource, fields["updated_at"])
	}

	return &ledger.Resource{
		ID:        resourceID,
		Value:     value,
		Version:   version,
		UpdatedAt: time.UnixMilli(updatedMilli).UTC(),
	}, nil
}
