package guard

import (
	"fmt"

	"github.com/HighNoonStudio/lib-guard/guard/ledger"
)

// Rule validates a proposed transition against the current resource
// state. Returning an error that wraps ErrRejected (use Reject) refuses
// the transition; any other error aborts the operation as a guard
// failure.
//
// Rules must be pure: the guard re-runs them against fresh state after
// every compare-and-set conflict.
type Rule func(current *ledger.Resource, proposed int64) error

// MinValue rejects transitions that would drive the value below floor.
func MinValue(floor int64) Rule {
	return func(_ *ledger.Resource, proposed int64) error {
		if proposed < floor {
			return fmt.Errorf("%w: proposed %d < floor %d", ErrBelowMinimum, proposed, floor)
		}

		return nil
	}
}

// MaxValue rejects transitions that would drive the value above ceiling.
func MaxValue(ceiling int64) Rule {
	return func(_ *ledger.Resource, proposed int64) error {
		if proposed > ceiling {
			return fmt.Errorf("%w: proposed %d > ceiling %d", ErrAboveMaximum, proposed, ceiling)
		}

		return nil
	}
}

// NonNegative rejects transitions that would take the value below zero.
// This is the canonical balance rule: a spend exceeding the current
// balance is refused, never clamped.
func NonNegative() Rule {
	return MinValue(0)
}

// Transitions enforces state-machine legality for enum-state resources.
// The map lists, for each current state, the states it may move to.
// Anything absent is illegal, including self-transitions unless listed.
func Transitions(allowed map[int64][]int64) Rule {
	return func(current *ledger.Resource, proposed int64) error {
		for _, next := range allowed[current.Value] {
			if next == proposed {
				return nil
			}
		}

		return fmt.Errorf("%w: %d -> %d", ErrIllegalTransition, current.Value, proposed)
	}
}
