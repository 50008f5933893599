package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HighNoonStudio/lib-guard/guard/assert"
	"github.com/google/uuid"
)

var (
	// ErrEntryRequired is returned when a nil entry is appended.
	ErrEntryRequired = errors.New("ledger entry is required")
	// ErrEntryOperationRequired is returned when an entry has no operation id.
	ErrEntryOperationRequired = errors.New("ledger entry operation id is required")
)

// Entry is the append-only audit record of one committed operation.
// Entries are never mutated after write; corrections happen as new
// operations producing new entries.
type Entry struct {
	ID          uuid.UUID
	OperationID string
	ResourceID  string
	Before      int64
	After       int64
	Version     uint64
	CommittedAt time.Time
}

// NewEntry creates a validated journal entry for a committed transition.
func NewEntry(ctx context.Context, operationID, resourceID string, before, after int64, version uint64) (*Entry, error) {
	asserter := assert.New(nil, "ledger", "ledger.new_entry")

	operationID = strings.TrimSpace(operationID)
	if err := asserter.NotEmpty(ctx, operationID, "operation id is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEntryOperationRequired, err)
	}

	resourceID = strings.TrimSpace(resourceID)
	if err := asserter.NotEmpty(ctx, resourceID, "resource id is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmptyResourceID, err)
	}

	return &Entry{
		ID:          uuid.New(),
		OperationID: operationID,
		ResourceID:  resourceID,
		Before:      before,
		After:       after,
		Version:     version,
		CommittedAt: time.Now().UTC(),
	}, nil
}

// Journal stores committed entries for audit and reconciliation.
// Implementations bound retention by count or age; List returns the
// most recent entries first.
type Journal interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, resourceID string, limit int) ([]*Entry, error)
}

// Report is the outcome of reconciling a resource against its journal.
type Report struct {
	ResourceID   string
	Entries      int
	CurrentValue int64
	JournalValue int64
	// Drift is true when the newest journal entry disagrees with the
	// stored value, or when consecutive entries do not chain.
	Drift  bool
	Reason string
}

// Reconcile replays the journal for a resource and compares it to the
// stored value, detecting drift between the source of truth and any
// derived state. Journals are retention-bounded, so reconciliation only
// validates the retained window: the newest entry must match the stored
// value and every retained entry must chain before -> after.
func Reconcile(ctx context.Context, store Store, journal Journal, resourceID string, limit int) (*Report, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, ErrEmptyResourceID
	}

	resource, err := store.Get(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: read resource: %w", err)
	}

	entries, err := journal.List(ctx, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list journal: %w", err)
	}

	report := &Report{
		ResourceID:   resourceID,
		Entries:      len(entries),
		CurrentValue: resource.Value,
	}

	if len(entries) == 0 {
		report.JournalValue = resource.Value

		return report, nil
	}

	// entries are newest-first
	report.JournalValue = entries[0].After

	if entries[0].After != resource.Value {
		report.Drift = true
		report.Reason = "newest journal entry does not match stored value"

		return report, nil
	}

	for i := 0; i+1 < len(entries); i++ {
		if entries[i].Before != entries[i+1].After {
			report.Drift = true
			report.Reason = fmt.Sprintf("journal chain broken at entry %s", entries[i].ID)

			return report, nil
		}
	}

	return report, nil
}
