package saga

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidOperation is raised when an operation is invalid for the current state.
	ErrInvalidOperation = errors.New("invalid operation")

	ErrInvalidRoutingSlip        = errors.New("invalid routing slip")
	ErrActivityNotRegistered     = errors.New("activity not registered")
	ErrActivityAlreadyRegistered = errors.New("activity already registered")
	ErrNotCompensable            = errors.New("activity does not support compensation")
	ErrLogTypeMismatch           = errors.New("activity log has unexpected type")
	ErrUndefinedResult           = errors.New("activity returned an undefined result")
	ErrActivityPanicked          = errors.New("activity panicked")
	ErrMisrouted                 = errors.New("routing slip delivered to the wrong address")

	// ErrRoutingSlipNotFound is returned by stores for unknown tracking numbers.
	ErrRoutingSlipNotFound = errors.New("routing slip not found")

	// ErrStaleRoutingSlip is returned by stores when a newer (or the same)
	// version of the routing slip has already been saved.
	ErrStaleRoutingSlip = errors.New("routing slip version is stale")
)

// CompensationFailedError escalates a saga that stopped unwinding because a
// compensation failed. Remaining holds the activity logs that were never
// compensated, newest last; manual intervention is required for them.
type CompensationFailedError struct {
	TrackingNumber TrackingNumber
	ActivityName   string
	Remaining      []ActivityLog
	Cause          error
}

func NewCompensationFailedError(slip *RoutingSlip) *CompensationFailedError {
	err := &CompensationFailedError{
		TrackingNumber: slip.TrackingNumber(),
		Remaining:      slip.ActivityLogs(),
	}
	if exceptions := slip.Exceptions(); len(exceptions) > 0 {
		last := exceptions[len(exceptions)-1]
		err.ActivityName = last.ActivityName
		if last.Message != "" {
			err.Cause = errors.New(last.Message)
		}
	}
	return err
}

func (e *CompensationFailedError) Error() string {
	msg := fmt.Sprintf("saga %s: compensation of %q failed, %d activity log(s) left uncompensated",
		e.TrackingNumber, e.ActivityName, len(e.Remaining))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CompensationFailedError) Unwrap() error {
	return e.Cause
}
