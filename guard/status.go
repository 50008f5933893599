package guard

import "fmt"

// ErrStatusInvalid is returned when a raw string is not a valid Status.
var ErrStatusInvalid = Reject("invalid operation status")

// Status is the lifecycle state of an operation attempt.
//
// Happy path: RECEIVED -> RESERVED -> VALIDATED -> COMMITTED -> RECORDED.
// Pre-commit exits: REJECTED (rule refusal), BUSY (lock or in-flight
// duplicate), CONTENDED (CAS retries exhausted). COMMITTED and RECORDED
// are irreversible; the exit states are terminal for the attempt but a
// fresh attempt may reuse the same operation id.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusReserved  Status = "RESERVED"
	StatusValidated Status = "VALIDATED"
	StatusCommitted Status = "COMMITTED"
	StatusRecorded  Status = "RECORDED"
	StatusRejected  Status = "REJECTED"
	StatusBusy      Status = "BUSY"
	StatusContended Status = "CONTENDED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the operation lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusReceived, StatusReserved, StatusValidated, StatusCommitted,
		StatusRecorded, StatusRejected, StatusBusy, StatusContended:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the attempt can make no further progress.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusRecorded, StatusRejected, StatusBusy, StatusContended:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is
// allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusReceived:
		return next == StatusReserved || next == StatusBusy
	case StatusReserved:
		return next == StatusValidated || next == StatusBusy || next == StatusRejected
	case StatusValidated:
		return next == StatusCommitted || next == StatusRejected || next == StatusContended
	case StatusCommitted:
		return next == StatusRecorded
	case StatusRecorded, StatusRejected, StatusBusy, StatusContended:
		return false
	default:
		return false
	}
}

func (status Status) String() string {
	return string(status)
}
