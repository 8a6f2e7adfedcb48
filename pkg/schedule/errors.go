package schedule

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrInvalidRange is returned when start is not before end or the range
	// leaves its domain.
	ErrInvalidRange = errors.New("invalid range")
	// ErrUnsupportedField is returned (or reported as a warning) when a field
	// or plan is not available on the device generation.
	ErrUnsupportedField = errors.New("unsupported field")
	// ErrAmbiguousWeekdays guards the weekday group selection.
	ErrAmbiguousWeekdays = errors.New("ambiguous weekday selection")
	// ErrInvariantViolation means a mutation would have left a store that
	// does not tile its domain. It is always a bug.
	ErrInvariantViolation = errors.New("schedule invariant violation")
	// ErrStaleSchedule is returned by callers when the schedule changed
	// underneath an uncommitted mutation.
	ErrStaleSchedule = errors.New("stale schedule")
	// ErrInvalidValue is returned for field values outside their limits.
	ErrInvalidValue = errors.New("invalid value")
	// ErrNoPlan is returned when the requested plan does not exist.
	ErrNoPlan = errors.New("plan not found")
)

// PanicOnInvariantViolation makes invariant violations panic instead of
// returning an error.
var PanicOnInvariantViolation atomic.Bool

func invariantViolation(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
	if PanicOnInvariantViolation.Load() {
		panic(err)
	}
	return err
}
