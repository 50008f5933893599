package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HighNoonStudio/lib-guard/guard/ledger"
	"github.com/HighNoonStudio/lib-guard/guard/log"
	"github.com/HighNoonStudio/lib-guard/guard/telemetry"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrNilDatabase is returned when a nil mongo database is provided.
	ErrNilDatabase = errors.New("mongo database is nil")
)

const (
	defaultResourceCollection = "guard_resources"
	defaultJournalCollection  = "guard_ledger_entries"
)

type resourceDoc struct {
	ID        string    `bson:"_id"`
	Value     int64     `bson:"value"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type entryDoc struct {
	ID          string    `bson:"_id"`
	OperationID string    `bson:"operation_id"`
	ResourceID  string    `bson:"resource_id"`
	Before      int64     `bson:"before"`
	After       int64     `bson:"after"`
	Version     int64     `bson:"version"`
	CommittedAt time.Time `bson:"committed_at"`
}

// Store implements ledger.Store and ledger.Journal on MongoDB.
// Compare-and-set rides on a filtered findOneAndUpdate: the filter
// includes the expected version, so the update either applies atomically
// or matches nothing.
type Store struct {
	resources *mongo.Collection
	journal   *mongo.Collection
	logger    log.Logger
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ ledger.Journal = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store, *mongo.Database)

// WithLogger sets the structured logger. Defaults to the no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(store *Store, _ *mongo.Database) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithCollections overrides the resource and journal collection names.
func WithCollections(resources, journal string) Option {
	return func(store *Store, db *mongo.Database) {
		if strings.TrimSpace(resources) != "" {
			store.resources = db.Collection(resources)
		}

		if strings.TrimSpace(journal) != "" {
			store.journal = db.Collection(journal)
		}
	}
}

// NewStore creates a MongoDB-backed ledger store.
func NewStore(db *mongo.Database, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}

	store := &Store{
		resources: db.Collection(defaultResourceCollection),
		journal:   db.Collection(defaultJournalCollection),
		logger:    log.NewNop(),
	}

	for _, opt := range opts {
		opt(store, db)
	}

	return store, nil
}

// EnsureIndexes creates the journal query index. Call once at startup.
func (store *Store) EnsureIndexes(ctx context.Context) error {
	_, err := store.journal.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "resource_id", Value: 1},
			{Key: "committed_at", Value: -1},
		},
	})
	if err != nil {
		return fmt.Errorf("ledger mongo create index: %w", err)
	}

	return nil
}

// Get returns the current resource state or ledger.ErrNotFound.
func (store *Store) Get(ctx context.Context, resourceID string) (*ledger.Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	var doc resourceDoc
	if err := store.resources.FindOne(ctx, bson.M{"_id": resourceID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ledger.ErrNotFound
		}

		return nil, fmt.Errorf("ledger get %s: %w", resourceID, err)
	}

	return docToResource(&doc), nil
}

// Initialize creates the resource at version 1 or returns
// ledger.ErrAlreadyExists.
func (store *Store) Initialize(ctx context.Context, resourceID string, value int64) (*ledger.Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	ctx, span := telemetry.Tracer().Start(ctx, "ledger.mongo.initialize")
	defer span.End()

	doc := resourceDoc{
		ID:        resourceID,
		Value:     value,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}

	if _, err := store.resources.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ledger.ErrAlreadyExists
		}

		telemetry.HandleSpanError(span, "initialize failed", err)

		return nil, fmt.Errorf("ledger initialize %s: %w", resourceID, err)
	}

	store.logger.Log(ctx, log.LevelDebug, "resource initialized",
		log.String("resource_id", resourceID), log.Int64("value", value))

	return docToResource(&doc), nil
}

// CompareAndSet replaces the value if the stored version matches.
func (store *Store) CompareAndSet(ctx context.Context, resourceID string, expectedVersion uint64, newValue int64) (*ledger.Resource, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	ctx, span := telemetry.Tracer().Start(ctx, "ledger.mongo.compare_and_set")
	defer span.End()

	now := time.Now().UTC()

	filter := bson.M{"_id": resourceID, "version": int64(expectedVersion)}
	update := bson.M{
		"$set": bson.M{"value": newValue, "updated_at": now},
		"$inc": bson.M{"version": 1},
	}

	var doc resourceDoc

	err := store.resources.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err == nil {
		return docToResource(&doc), nil
	}

	if !errors.Is(err, mongo.ErrNoDocuments) {
		telemetry.HandleSpanError(span, "compare-and-set failed", err)

		return nil, fmt.Errorf("ledger compare-and-set %s: %w", resourceID, err)
	}

	// No match: distinguish a missing resource from a moved version.
	count, countErr := store.resources.CountDocuments(ctx, bson.M{"_id": resourceID})
	if countErr != nil {
		telemetry.HandleSpanError(span, "existence check failed", countErr)

		return nil, fmt.Errorf("ledger compare-and-set %s: %w", resourceID, countErr)
	}

	if count == 0 {
		return nil, ledger.ErrNotFound
	}

	return nil, ledger.ErrVersionConflict
}

// Append inserts a committed entry. The journal collection is
// append-only; nothing in this package updates or deletes entries.
func (store *Store) Append(ctx context.Context, entry *ledger.Entry) error {
	if entry == nil {
		return ledger.ErrEntryRequired
	}

	doc := entryDoc{
		ID:          entry.ID.String(),
		OperationID: entry.OperationID,
		ResourceID:  entry.ResourceID,
		Before:      entry.Before,
		After:       entry.After,
		Version:     int64(entry.Version),
		CommittedAt: entry.CommittedAt,
	}

	if _, err := store.journal.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("ledger journal append %s: %w", entry.ResourceID, err)
	}

	return nil
}

// List returns up to limit entries for a resource, newest first.
func (store *Store) List(ctx context.Context, resourceID string, limit int) ([]*ledger.Entry, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ledger.ErrEmptyResourceID
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "committed_at", Value: -1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}

	cursor, err := store.journal.Find(ctx, bson.M{"resource_id": resourceID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("ledger journal list %s: %w", resourceID, err)
	}

	defer func() {
		_ = cursor.Close(ctx)
	}()

	var docs []entryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ledger journal decode %s: %w", resourceID, err)
	}

	entries := make([]*ledger.Entry, 0, len(docs))
	for i := range docs {
		entries = append(entries, docToEntry(&docs[i]))
	}

	return entries, nil
}

func docToResource(doc *resourceDoc) *ledger.Resource {
	return &ledger.Resource{
		ID:        doc.ID,
		Value:     doc.Value,
		Version:   uint64(doc.Version),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

func docToEntry(doc *entryDoc) *ledger.Entry {
	entry := &ledger.Entry{
		OperationID: doc.OperationID,
		ResourceID:  doc.ResourceID,
		Before:      doc.Before,
		After:       doc.After,
		Version:     uint64(doc.Version),
		CommittedAt: doc.CommittedAt.UTC(),
	}

	// Entry IDs are UUID strings; a malformed id decodes to the zero
	// UUID rather than failing a read of otherwise usable audit data.
	if parsed, err := uuid.Parse(doc.ID); err == nil {
		entry.ID = parsed
	}

	return entry
}
