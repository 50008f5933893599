package guard

import "errors"

// Error taxonomy for transition outcomes. Every failure returned by
// Execute wraps exactly one of these sentinels, so callers branch with
// errors.Is and never parse messages.
var (
	// ErrNotFound means the resource id is unknown and the operation
	// did not request lazy initialization. Not retryable as-is.
	ErrNotFound = errors.New("resource not found")
	// ErrBusy means the resource lock is held or the same operation id
	// is mid-flight elsewhere. Retryable with backoff.
	ErrBusy = errors.New("resource busy")
	// ErrRejected means a domain rule refused the transition. Not
	// retryable with unchanged inputs; the reservation is rolled back
	// so the id can be reused with corrected inputs.
	ErrRejected = errors.New("transition rejected")
	// ErrContended means compare-and-set retries were exhausted.
	// Retryable with the same operation id.
	ErrContended = errors.New("transition contended")
	// ErrBackendUnavailable means a storage or cache backend failed.
	// Nothing was committed; the guard fails closed.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInvalidOperation means the operation itself is malformed
	// (empty ids). Never reaches any backend.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Rejection reasons. Each wraps ErrRejected, so errors.Is(err,
// ErrRejected) holds for all of them.
var (
	// ErrBelowMinimum means the proposed value undershoots the lower bound.
	ErrBelowMinimum = Reject("value below lower bound")
	// ErrAboveMaximum means the proposed value overshoots the upper bound.
	ErrAboveMaximum = Reject("value above upper bound")
	// ErrOverflow means applying the delta would overflow int64.
	ErrOverflow = Reject("value overflow")
	// ErrIllegalTransition means the state change is not permitted by
	// the declared transition table.
	ErrIllegalTransition = Reject("illegal state transition")
	// ErrFingerprintMismatch means an operation id was reused with
	// different request content.
	ErrFingerprintMismatch = Reject("operation id reused with different content")
)

// RejectionError carries a domain-rule refusal with its reason.
type RejectionError struct {
	Reason string
}

// Error returns the formatted rejection message.
func (e *RejectionError) Error() string {
	return "transition rejected: " + e.Reason
}

// Unwrap returns ErrRejected so errors.Is works across all rejections.
func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// Reject creates a rejection error with the given reason. Rules use
// this to refuse a transition.
func Reject(reason string) error {
	return &RejectionError{Reason: reason}
}

// Response represents a user-facing error with code, title, and message.
// The calling layer returns it instead of leaking storage detail.
type Response struct {
	EntityType string `json:"entityType,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	Err        error  `json:"err,omitempty"`
}

func (e Response) Error() string {
	return e.Message
}

// UserFacingError translates a guard outcome into the appropriate
// user-facing Response. Unknown errors pass through unchanged.
func UserFacingError(err error, entityType string) error {
	switch {
	case errors.Is(err, ErrRejected):
		return Response{
			EntityType: entityType,
			Code:       "GRD-0001",
			Title:      "Transition Rejected",
			Message:    "The requested change is not allowed for the current state. Please review the request and try again.",
			Err:        err,
		}
	case errors.Is(err, ErrBusy):
		return Response{
			EntityType: entityType,
			Code:       "GRD-0002",
			Title:      "Resource Busy",
			Message:    "The resource is being updated by another request. Please try again shortly.",
			Err:        err,
		}
	case errors.Is(err, ErrContended):
		return Response{
			EntityType: entityType,
			Code:       "GRD-0003",
			Title:      "High Contention",
			Message:    "The update could not be applied due to concurrent activity. Please try again.",
			Err:        err,
		}
	case errors.Is(err, ErrBackendUnavailable):
		return Response{
			EntityType: entityType,
			Code:       "GRD-0004",
			Title:      "Service Unavailable",
			Message:    "The service is temporarily unavailable. Please try again later.",
			Err:        err,
		}
	case errors.Is(err, ErrNotFound):
		return Response{
			EntityType: entityType,
			Code:       "GRD-0005",
			Title:      "Resource Not Found",
			Message:    "The requested resource does not exist.",
			Err:        err,
		}
	}

	return err
}
