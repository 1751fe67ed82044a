package shift

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a shift id does not exist.
	ErrNotFound = errors.New("shift not found")

	// ErrVersionConflict is returned by a Store when an optimistic version
	// check fails on save or delete.
	ErrVersionConflict = errors.New("shift was modified concurrently")

	// ErrActiveExists is returned by a Store when creating an active shift for
	// a user who already has one.
	ErrActiveExists = errors.New("user already has an active shift")
)

type ConflictKind int

const (
	AlreadyActive ConflictKind = iota + 1
	BreakAlreadyOpen
	NoOpenBreak
	AlreadyEnded
)

func (k ConflictKind) String() string {
	switch k {
	case AlreadyActive:
		return "already active"
	case BreakAlreadyOpen:
		return "break already open"
	case NoOpenBreak:
		return "no open break"
	case AlreadyEnded:
		return "already ended"
	default:
		return "unknown conflict"
	}
}

// ConflictError reports a transition that is invalid for the shift's current state.
// For AlreadyActive, ExistingType names the type of the shift that is already running.
type ConflictError struct {
	Kind         ConflictKind
	ShiftID      uuid.UUID
	ExistingType string
}

func (e *ConflictError) Error() string {
	if e.Kind == AlreadyActive {
		return fmt.Sprintf("shift conflict: %s (%s)", e.Kind, e.ExistingType)
	}
	return fmt.Sprintf("shift conflict: %s", e.Kind)
}

// IsConflict reports whether err is a ConflictError of kind k.
func IsConflict(err error, k ConflictKind) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Kind == k
}

type StaleReason int

const (
	ReasonPromptExpired StaleReason = iota + 1
	ReasonStateChanged
)

func (r StaleReason) String() string {
	switch r {
	case ReasonPromptExpired:
		return "prompt expired"
	case ReasonStateChanged:
		return "state changed externally"
	default:
		return "stale"
	}
}

// StaleResourceError is not retryable; the caller has to restart the
// interactive flow from fresh state.
type StaleResourceError struct {
	Reason  StaleReason
	ShiftID uuid.UUID
}

func (e *StaleResourceError) Error() string {
	return "stale resource: " + e.Reason.String()
}

// IsStale reports whether err is a StaleResourceError with reason r.
func IsStale(err error, r StaleReason) bool {
	var se *StaleResourceError
	return errors.As(err, &se) && se.Reason == r
}
