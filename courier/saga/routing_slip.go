package saga

import (
	"time"

	"github.com/pkg/errors"
)

// RoutingSlip is the document that flows through the saga.
// It is a pure data structure that contains:
// - Queue of pending itinerary entries (forward path)
// - Stack of activity logs of completed steps (backward path)
// - The variable bag shared by all steps
// Exactly one processing location owns a routing slip at a time; ownership
// passes with Transport.Deliver.
type RoutingSlip struct {
	trackingNumber TrackingNumber
	createdAt      time.Time
	state          State
	version        int64
	consumed       int
	itinerary      Itinerary
	activityLogs   []ActivityLog
	variables      Variables
	exceptions     []ActivityException
}

func newRoutingSlip(trackingNumber TrackingNumber, createdAt time.Time, itinerary Itinerary, variables Variables) *RoutingSlip {
	if variables == nil {
		variables = Variables{}
	}
	return &RoutingSlip{
		trackingNumber: trackingNumber,
		createdAt:      createdAt,
		state:          StateExecuting,
		itinerary:      itinerary,
		activityLogs:   make([]ActivityLog, 0, len(itinerary)),
		variables:      variables,
	}
}

// NewCompensatingRoutingSlip creates a slip that starts in the Compensating
// state with the given history. It is used to undo a sub-saga that has
// already completed.
func NewCompensatingRoutingSlip(trackingNumber TrackingNumber, activityLogs []ActivityLog, variables Variables) *RoutingSlip {
	logs := make([]ActivityLog, len(activityLogs))
	copy(logs, activityLogs)
	if variables == nil {
		variables = Variables{}
	}
	return &RoutingSlip{
		trackingNumber: trackingNumber,
		createdAt:      time.Now().UTC(),
		state:          StateCompensating,
		consumed:       len(logs),
		itinerary:      Itinerary{},
		activityLogs:   logs,
		variables:      variables.Clone(),
	}
}

func (rs *RoutingSlip) TrackingNumber() TrackingNumber {
	return rs.trackingNumber
}

func (rs *RoutingSlip) CreatedAt() time.Time {
	return rs.createdAt
}

func (rs *RoutingSlip) State() State {
	return rs.state
}

// Version increases by one on every state machine step.
func (rs *RoutingSlip) Version() int64 {
	return rs.version
}

func (rs *RoutingSlip) IsTerminal() bool {
	return rs.state.IsTerminal()
}

// HasItinerary returns true if some itinerary entries are still pending.
func (rs *RoutingSlip) HasItinerary() bool {
	return len(rs.itinerary) > 0
}

// HasActivityLogs returns true if some completed work can be compensated.
func (rs *RoutingSlip) HasActivityLogs() bool {
	return len(rs.activityLogs) > 0
}

// NextActivity returns and removes the next itinerary entry.
// This is a pure data operation - it doesn't execute any business logic.
func (rs *RoutingSlip) NextActivity() (ItineraryEntry, error) {
	if !rs.HasItinerary() {
		return ItineraryEntry{}, ErrInvalidOperation
	}
	entry := rs.itinerary[0]
	rs.itinerary = rs.itinerary[1:]
	rs.consumed++
	return entry, nil
}

// AddActivityLog pushes a log onto the history stack.
func (rs *RoutingSlip) AddActivityLog(log ActivityLog) {
	rs.activityLogs = append(rs.activityLogs, log)
}

// PeekActivityLog returns the newest activity log without removing it.
func (rs *RoutingSlip) PeekActivityLog() (ActivityLog, error) {
	if !rs.HasActivityLogs() {
		return ActivityLog{}, ErrInvalidOperation
	}
	return rs.activityLogs[len(rs.activityLogs)-1], nil
}

// LastActivityLog returns and removes the newest activity log.
func (rs *RoutingSlip) LastActivityLog() (ActivityLog, error) {
	log, err := rs.PeekActivityLog()
	if err != nil {
		return log, err
	}
	rs.activityLogs = rs.activityLogs[:len(rs.activityLogs)-1]
	return log, nil
}

// ProgressAddress returns the address of the next itinerary entry, or empty
// string if the itinerary is exhausted.
func (rs *RoutingSlip) ProgressAddress() string {
	if !rs.HasItinerary() {
		return ""
	}
	return rs.itinerary[0].Address
}

// CompensationAddress returns the address of the newest activity log.
func (rs *RoutingSlip) CompensationAddress() string {
	if !rs.HasActivityLogs() {
		return ""
	}
	return rs.activityLogs[len(rs.activityLogs)-1].Address
}

// NextAddress returns where the slip has to be delivered for its next step,
// or empty string when the next step needs no activity host.
func (rs *RoutingSlip) NextAddress() string {
	switch rs.state {
	case StateExecuting:
		return rs.ProgressAddress()
	case StateCompensating:
		return rs.CompensationAddress()
	default:
		return ""
	}
}

// Itinerary returns a copy of the pending entries.
func (rs *RoutingSlip) Itinerary() Itinerary {
	return rs.itinerary.Clone()
}

// ActivityLogs returns a copy of the history, newest last.
func (rs *RoutingSlip) ActivityLogs() []ActivityLog {
	logs := make([]ActivityLog, len(rs.activityLogs))
	copy(logs, rs.activityLogs)
	return logs
}

func (rs *RoutingSlip) Exceptions() []ActivityException {
	exceptions := make([]ActivityException, len(rs.exceptions))
	copy(exceptions, rs.exceptions)
	return exceptions
}

func (rs *RoutingSlip) Variables() ReadOnlyVariables {
	return NewReadOnlyVariables(rs.variables)
}

func (rs *RoutingSlip) mergeVariables(updates Variables) {
	rs.variables.Merge(updates)
}

func (rs *RoutingSlip) addException(exception ActivityException) {
	rs.exceptions = append(rs.exceptions, exception)
}

func (rs *RoutingSlip) touch() {
	rs.version++
}

// Clone returns an independent copy, e.g. to keep a snapshot after the
// original was handed to a transport.
func (rs *RoutingSlip) Clone() *RoutingSlip {
	clone := *rs
	clone.itinerary = rs.itinerary.Clone()
	clone.activityLogs = rs.ActivityLogs()
	clone.variables = rs.variables.Clone()
	clone.exceptions = rs.Exceptions()
	return &clone
}

// Validate checks the structural invariants of the slip.
func (rs *RoutingSlip) Validate() error {
	if rs.trackingNumber.IsZero() {
		return errors.Wrap(ErrInvalidRoutingSlip, "missing tracking number")
	}
	if !rs.state.IsValid() {
		return errors.Wrapf(ErrInvalidRoutingSlip, "unknown state %q", rs.state)
	}
	if err := rs.itinerary.Validate(); err != nil {
		return err
	}
	if len(rs.activityLogs) > rs.consumed {
		return errors.Wrapf(ErrInvalidRoutingSlip,
			"%d activity logs but only %d itinerary entries consumed", len(rs.activityLogs), rs.consumed)
	}
	switch rs.state {
	case StateCompleted:
		if rs.HasItinerary() {
			return errors.Wrap(ErrInvalidRoutingSlip, "completed slip with pending itinerary")
		}
	case StateFaulted:
		if rs.HasActivityLogs() {
			return errors.Wrap(ErrInvalidRoutingSlip, "faulted slip with uncompensated history")
		}
	case StateCompensationFailed:
		if !rs.HasActivityLogs() {
			return errors.Wrap(ErrInvalidRoutingSlip, "compensation-failed slip without remaining history")
		}
	}
	return nil
}
