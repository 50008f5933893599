package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyOperationID is returned when an operation id is empty.
	ErrEmptyOperationID = errors.New("operation id cannot be empty")
	// ErrInvalidTTL is returned when a non-positive TTL is provided.
	ErrInvalidTTL = errors.New("idempotency ttl must be greater than 0")
	// ErrNotReserved is returned by RecordResult or Rollback when no
	// in-progress reservation exists for the operation id.
	ErrNotReserved = errors.New("operation is not reserved")
)

// State classifies what the cache knows about an operation id.
type State string

const (
	// StateFresh means the id was unknown and is now reserved by the caller.
	StateFresh State = "FRESH"
	// StateInProgress means another attempt with the same id is mid-flight.
	StateInProgress State = "IN_PROGRESS"
	// StateCompleted means the operation already committed; Result holds
	// the stored outcome for replay.
	StateCompleted State = "COMPLETED"
)

// Reservation is the answer to CheckAndReserve.
type Reservation struct {
	State State
	// Fingerprint is the request fingerprint stored with the original
	// attempt. Callers compare it against the incoming request to catch
	// an id being reused with a mutated payload.
	Fingerprint string
	// Result is the serialized outcome of the committed operation,
	// populated only for StateCompleted.
	Result []byte
}

// Cache remembers which operation ids committed and with what result,
// making retries and duplicate submissions safe.
//
// Backend failures must surface as errors: the guard treats any cache
// error as grounds to reject the operation (fail closed). Proceeding
// without duplicate protection is how double-spend bugs ship.
type Cache interface {
	// CheckAndReserve atomically reserves a fresh operation id, or
	// reports the id's current state. The reservation expires after
	// reserveTTL so a crashed holder cannot wedge the id forever.
	CheckAndReserve(ctx context.Context, operationID, fingerprint string, reserveTTL time.Duration) (*Reservation, error)

	// RecordResult finalizes a reservation with the committed outcome,
	// retained for ttl to cover realistic client retry windows. The
	// fingerprint is stored alongside so replays keep being checked
	// after completion.
	RecordResult(ctx context.Context, operationID, fingerprint string, result []byte, ttl time.Duration) error

	// Rollback releases an in-progress reservation so the id can be
	// retried, e.g. after a validation failure. Completed records are
	// never rolled back.
	Rollback(ctx context.Context, operationID string) error
}
