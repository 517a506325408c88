package saga

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type EventKind string

const (
	EventStepStarted            EventKind = "step-started"
	EventStepCompleted          EventKind = "step-completed"
	EventStepFaulted            EventKind = "step-faulted"
	EventCompensationStarted    EventKind = "compensation-started"
	EventStepCompensated        EventKind = "step-compensated"
	EventStepCompensationFailed EventKind = "step-compensation-failed"
	EventSagaCompleted          EventKind = "saga-completed"
	EventSagaFaulted            EventKind = "saga-faulted"
	EventSagaCompensationFailed EventKind = "saga-compensation-failed"
)

// IsTerminal reports whether the event closes a saga.
func (k EventKind) IsTerminal() bool {
	return k == EventSagaCompleted || k == EventSagaFaulted || k == EventSagaCompensationFailed
}

// Event is emitted to observers for every step and terminal transition.
// ActivityName, Address and ExecutionID are empty for saga-level events
// that involve no activity.
type Event struct {
	ID             ulid.ULID
	Kind           EventKind
	TrackingNumber TrackingNumber
	ActivityName   string
	Address        string
	ExecutionID    ulid.ULID
	State          State
	Timestamp      time.Time
	Duration       time.Duration
	Err            error
}
