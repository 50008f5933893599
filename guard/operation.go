package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/HighNoonStudio/lib-guard/guard/assert"
	"github.com/HighNoonStudio/lib-guard/guard/ledger"
)

// Operation is a caller-identified request to transition one resource.
type Operation struct {
	// OperationID is the idempotency key. Clients supply it directly or
	// derive it deterministically from request content so a network
	// retry resubmits the same id.
	OperationID string

	// ResourceID names the resource to transition.
	ResourceID string

	// Delta is the signed change applied to the current value. For
	// enum-state resources, use TargetState instead.
	Delta int64

	// TargetState, when set, replaces the value outright instead of
	// applying Delta. Pair it with a Transitions rule to enforce
	// state-machine legality.
	TargetState *int64

	// InitialValue, when set, lazily provisions the resource on first
	// reference. When nil, an unknown resource id fails with ErrNotFound.
	InitialValue *int64

	// Fingerprint identifies the request content. When empty, it is
	// derived from the resource id and the requested transition. Reusing
	// an operation id with a different fingerprint is rejected.
	Fingerprint string

	// Rules are the domain checks applied to the proposed transition,
	// in order, after the built-in overflow check.
	Rules []Rule
}

// Validate checks structural validity before any backend is touched.
func (op *Operation) Validate(ctx context.Context) error {
	asserter := assert.New(nil, "guard", "guard.operation")

	if err := asserter.NotEmpty(ctx, op.OperationID, "operation id is required"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}

	if err := asserter.NotEmpty(ctx, op.ResourceID, "resource id is required"); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}

	return nil
}

// fingerprint returns the caller-supplied fingerprint, or derives one
// from the transition content so duplicate detection works for callers
// that only supply an id.
func (op *Operation) fingerprint() string {
	if strings.TrimSpace(op.Fingerprint) != "" {
		return op.Fingerprint
	}

	var b strings.Builder

	b.WriteString(op.ResourceID)
	b.WriteByte('\n')

	if op.TargetState != nil {
		b.WriteString("state:")
		b.WriteString(strconv.FormatInt(*op.TargetState, 10))
	} else {
		b.WriteString("delta:")
		b.WriteString(strconv.FormatInt(op.Delta, 10))
	}

	sum := sha256.Sum256([]byte(b.String()))

	return hex.EncodeToString(sum[:])
}

// propose computes the target value for the current state, applying
// either the absolute TargetState or the overflow-checked Delta.
func (op *Operation) propose(current *ledger.Resource) (int64, error) {
	if op.TargetState != nil {
		return *op.TargetState, nil
	}

	return applyDelta(current.Value, op.Delta)
}

// applyDelta adds delta to value, rejecting int64 overflow in either
// direction.
func applyDelta(value, delta int64) (int64, error) {
	result := value + delta

	if (delta > 0 && result < value) || (delta < 0 && result > value) {
		return 0, ErrOverflow
	}

	return result, nil
}
