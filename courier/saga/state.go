package saga

import (
	"context"

	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
)

// State is the orchestration state of a routing slip.
type State string

const (
	StateExecuting          State = "executing"
	StateCompensating       State = "compensating"
	StateCompleted          State = "completed"
	StateFaulted            State = "faulted"
	StateCompensationFailed State = "compensation-failed"
)

var states = []State{
	StateExecuting,
	StateCompensating,
	StateCompleted,
	StateFaulted,
	StateCompensationFailed,
}

func ParseState(s string) (State, error) {
	for _, state := range states {
		if string(state) == s {
			return state, nil
		}
	}
	return "", errors.Errorf("unknown saga state %q", s)
}

func (s State) IsValid() bool {
	_, err := ParseState(string(s))
	return err == nil
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFaulted || s == StateCompensationFailed
}

func (s State) String() string {
	return string(s)
}

type trigger string

const (
	triggerItineraryExhausted trigger = "itinerary-exhausted"
	triggerActivityFaulted    trigger = "activity-faulted"
	triggerHistoryExhausted   trigger = "history-exhausted"
	triggerCompensationFailed trigger = "compensation-failed"
)

// newLifecycle binds the saga state machine to the state field of slip.
// Terminal states permit no triggers; entering one calls onTerminal.
func newLifecycle(slip *RoutingSlip, onTerminal func(State)) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return slip.state, nil
		},
		func(_ context.Context, state stateless.State) error {
			slip.state = state.(State)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(StateExecuting).
		Permit(triggerItineraryExhausted, StateCompleted).
		Permit(triggerActivityFaulted, StateCompensating)

	sm.Configure(StateCompensating).
		Permit(triggerHistoryExhausted, StateFaulted).
		Permit(triggerCompensationFailed, StateCompensationFailed)

	for _, state := range []State{StateCompleted, StateFaulted, StateCompensationFailed} {
		terminal := state
		sm.Configure(terminal).OnEntry(func(_ context.Context, _ ...any) error {
			onTerminal(terminal)
			return nil
		})
	}

	return sm
}
