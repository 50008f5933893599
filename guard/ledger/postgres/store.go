package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HighNoonStudio/lib-guard/guard/ledger"
	"github.com/HighNoonStudio/lib-guard/guard/log"
	"github.com/HighNoonStudio/lib-guard/guard/telemetry"

	// Registers the pgx stdlib driver for database/sql consumers.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNilDB is returned when a nil database handle is provided.
var ErrNilDB = errors.New("database handle is nil")

// Store implements ledger.Store and ledger.Journal on PostgreSQL.
// Compare-and-set is a single UPDATE with the expected version in the
// WHERE clause, so the write either applies atomically or touches no
// rows.
//
// The guard's read-modify-write loop requires read-your-writes, so the
// handle must point at a primary. Replica routing belongs to read-only
// reporting paths, never to this store.
type Store struct {
	db     *sql.DB
	logger log.Logger
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

// NewStore creates a PostgreSQL-backed ledger store. Run RunMigrations
// first to install the schema.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	store := &Store{
		db:     db,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// Get returns the current resource state or ledger.ErrNotFound.
func (store *Store) Get(ctx context.Context, resourceID string) (*ledger.Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	resource := &ledger.Resource{ID: resourceID}

	err := store.db.QueryRowContext(ctx,
		`SELECT value, version, updated_at FROM guard_resources WHERE id = $1`,
		resourceID,
	).Scan(&resource.Value, &resource.Version, &resource.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}

		return nil, fmt.Errorf("ledger get %s: %w", resourceID, err)
	}

	resource.UpdatedAt = resource.UpdatedAt.UTC()

	return resource, nil
}

// Initialize creates the resource at version 1 or returns
// ledger.ErrAlreadyExists. Racing initializers are resolved by the
// primary key: exactly one insert wins.
func (store *Store) Initialize(ctx context.Context, resourceID string, value int64) (*ledger.Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	ctx, span := telemetry.Tracer().Start(ctx, "ledger.postgres.initialize")
	defer span.End()

	now := time.Now().UTC()

	result, err := store.db.ExecContext(ctx,
		`INSERT INTO guard_resources (id, value, version, updated_at)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (id) DO NOTHING`,
		resourceID, value, now,
	)
	if err != nil {
		telemetry.HandleSpanError(span, "initialize failed", err)

		return nil, fmt.Errorf("ledger initialize %s: %w", resourceID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ledger initialize %s: %w", resourceID, err)
	}

	if rows == 0 {
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

	ctx, span := telemetry.Tracer().Start(ctx, "ledger.postgres.compare_and_set")
	defer span.End()

	resource := &ledger.Resource{ID: resourceID, Value: newValue}

	err := store.db.QueryRowContext(ctx,
		`UPDATE guard_resources
		 SET value = $2, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $3
		 RETURNING version, updated_at`,
		resourceID, newValue, int64(expectedVersion),
	).Scan(&resource.Version, &resource.UpdatedAt)
	if err == nil {
		resource.UpdatedAt = resource.UpdatedAt.UTC()

		return resource, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		telemetry.HandleSpanError(span, "compare-and-set failed", err)

		return nil, fmt.Errorf("ledger compare-and-set %s: %w", resourceID, err)
	}

	// No row matched: distinguish a missing resource from a moved version.
	var exists bool
	if err := store.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM guard_resources WHERE id = $1)`,
		resourceID,
	).Scan(&exists); err != nil {
		telemetry.HandleSpanError(span, "existence check failed", err)

		return nil, fmt.Errorf("ledger compare-and-set %s: %w", resourceID, err)
	}

	if !exists {
		return nil, ledger.ErrNotFound
	}

	return nil, ledger.ErrVersionConflict
}

// Append inserts a committed entry. The unique (operation_id,
// resource_id) index backs the exactly-once guarantee at the storage
// layer as well: a duplicate append fails loudly instead of recording a
// second effect.
func (store *Store) Append(ctx context.Context, entry *ledger.Entry) error {
	if entry == nil {
		return ledger.ErrEntryRequired
	}

	_, err := store.db.ExecContext(ctx,
		`INSERT INTO guard_ledger_entries
		 (id, operation_id, resource_id, before_value, after_value, version, committed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.OperationID, entry.ResourceID,
		entry.Before, entry.After, int64(entry.Version), entry.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger journal append %s: %w", entry.ResourceID, err)
	}

	return nil
}

// List returns up to limit entries for a resource, newest first.
// A non-positive limit returns all entries.
func (store *Store) List(ctx context.Context, resourceID string, limit int) ([]*ledger.Entry, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	query := `SELECT id, operation_id, resource_id, before_value, after_value, version, committed_at
		 FROM guard_ledger_entries
		 WHERE resource_id = $1
		 ORDER BY committed_at DESC, version DESC`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = store.db.QueryContext(ctx, query+` LIMIT $2`, resourceID, limit)
	} else {
		rows, err = store.db.QueryContext(ctx, query, resourceID)
	}

	if err != nil {
		return nil, fmt.Errorf("ledger journal list %s: %w", resourceID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []*ledger.Entry

	for rows.Next() {
		entry := &ledger.Entry{}

		var version int64
		if err := rows.Scan(&entry.ID, &entry.OperationID, &entry.ResourceID,
			&entry.Before, &entry.After, &version, &entry.CommittedAt); err != nil {
			return nil, fmt.Errorf("ledger journal scan %s: %w", resourceID, err)
		}

		entry.Version = uint64(version)
		entry.CommittedAt = entry.CommittedAt.UTC()
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger journal list %s: %w", resourceID, err)
	}

	return entries, nil
}
