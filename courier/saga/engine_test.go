package saga

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_AllStepsComplete(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b")
	f.compensable("c")
	engine := NewEngine(f.registry)

	slip, err := engine.Run(context.Background(), f.slip("a", "b", "c"))

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, slip.State())
	assert.Equal(t, 3, f.rec.count("execute:"))
	assert.Equal(t, 0, f.rec.count("compensate:"))
	assert.Len(t, slip.ActivityLogs(), 3)
	assert.Empty(t, slip.Itinerary())
}

func TestEngine_CompletedWithNonCompensableStep(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b")
	f.executeOnly("c")
	engine := NewEngine(f.registry)

	slip, err := engine.Run(context.Background(), f.slip("a", "b", "c"))

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, slip.State())
	assert.Equal(t, []string{"execute:a", "execute:b", "execute:c"}, f.rec.Calls())
	logs := slip.ActivityLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, "a", logs[0].ActivityName)
	assert.Equal(t, "b", logs[1].ActivityName)
	assert.Equal(t, "a", logs[0].Log["name"])
	assert.Equal(t, addressOf("b"), logs[1].Address)
}

func TestEngine_FaultCompensatesInReverseOrder(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b")
	f.compensable("c", faults)
	engine := NewEngine(f.registry)

	slip, err := engine.Run(context.Background(), f.slip("a", "b", "c"))

	require.NoError(t, err)
	assert.Equal(t, StateFaulted, slip.State())
	assert.Equal(t, []string{
		"execute:a", "execute:b", "execute:c",
		"compensate:b", "compensate:a",
	}, f.rec.Calls())
	assert.Empty(t, slip.ActivityLogs())

	exceptions := slip.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Equal(t, "c", exceptions[0].ActivityName)
	assert.Equal(t, DirectionExecute, exceptions[0].Direction)
	assert.Equal(t, "boom", exceptions[0].Message)
}

func TestEngine_CompensationFailureLeavesRemainder(t *testing.T) {
	f := newFixture(t)
	f.compensable("a", failsCompensation)
	f.compensable("b")
	f.compensable("c", faults)
	engine := NewEngine(f.registry)

	slip, err := engine.Run(context.Background(), f.slip("a", "b", "c"))

	var failed *CompensationFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, slip.TrackingNumber(), failed.TrackingNumber)
	assert.Equal(t, "a", failed.ActivityName)
	require.Len(t, failed.Remaining, 1)
	assert.Equal(t, "a", failed.Remaining[0].ActivityName)
	assert.EqualError(t, failed.Cause, "boom")

	assert.Equal(t, StateCompensationFailed, slip.State())
	logs := slip.ActivityLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "a", logs[0].ActivityName)
	assert.Equal(t, []string{
		"execute:a", "execute:b", "execute:c",
		"compensate:b", "compensate:a",
	}, f.rec.Calls())
}

func TestEngine_NonCompensableStepIsSkippedOnUnwind(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.executeOnly("n")
	f.compensable("b")
	f.compensable("x", faults)
	engine := NewEngine(f.registry)

	slip, err := engine.Run(context.Background(), f.slip("a", "n", "b", "x"))

	require.NoError(t, err)
	assert.Equal(t, StateFaulted, slip.State())
	assert.Equal(t, []string{
		"execute:a", "execute:n", "execute:b", "execute:x",
		"compensate:b", "compensate:a",
	}, f.rec.Calls())
}

func TestEngine_CompensationFailureHaltsUnwindImmediately(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b", failsCompensation)
	f.compensable("c")
	f.compensable("x", faults)
	engine := NewEngine(f.registry)

	slip, err := engine.Run(context.Background(), f.slip("a", "b", "c", "x"))

	require.Error(t, err)
	assert.Equal(t, StateCompensationFailed, slip.State())
	assert.Equal(t, 0, f.rec.count("compensate:a"))
	assert.Equal(t, []string{
		"execute:a", "execute:b", "execute:c", "execute:x",
		"compensate:c", "compensate:b",
	}, f.rec.Calls())
	logs := slip.ActivityLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, "a", logs[0].ActivityName)
	assert.Equal(t, "b", logs[1].ActivityName)
}

func TestEngine_TerminalSlipReplayIsNoop(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fixture)
		state State
	}{
		{
			name: "completed",
			setup: func(f *fixture) {
				f.compensable("a")
				f.compensable("b")
			},
			state: StateCompleted,
		},
		{
			name: "faulted",
			setup: func(f *fixture) {
				f.compensable("a")
				f.compensable("b", faults)
			},
			state: StateFaulted,
		},
		{
			name: "compensation failed",
			setup: func(f *fixture) {
				f.compensable("a", failsCompensation)
				f.compensable("b", faults)
			},
			state: StateCompensationFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)
			engine := NewEngine(f.registry)
			slip, _ := engine.Run(context.Background(), f.slip("a", "b"))
			require.Equal(t, tc.state, slip.State())

			calls := f.rec.Calls()
			version := slip.Version()
			replayed, err := Unmarshal(mustMarshal(t, slip))
			require.NoError(t, err)

			transition, err := engine.Step(context.Background(), replayed)
			require.NoError(t, err)
			assert.False(t, transition.Invoked)
			assert.Equal(t, tc.state, transition.To)

			_, _ = engine.Run(context.Background(), replayed)
			assert.Equal(t, calls, f.rec.Calls())
			assert.Equal(t, version, replayed.Version())
			assert.Equal(t, tc.state, replayed.State())
		})
	}
}

func TestEngine_VariablesFlowForwardAndAreNotRolledBack(t *testing.T) {
	f := newFixture(t)
	var seenByB any
	var seenByCompensation any
	f.compensable("a", func(a *stubActivity) {
		a.execute = func(exec *ExecuteContext[stepArgs]) (ExecutionResult, error) {
			exec.SetVariable("reservation", "R-1")
			return exec.Completed(WithLog(stepLog{Name: "a"}), WithVariables(Variables{"count": 1})), nil
		}
		a.compensate = func(comp *CompensateContext[stepLog]) (CompensationResult, error) {
			seenByCompensation, _ = comp.Variables().Get("reservation")
			return comp.Compensated(), nil
		}
	})
	f.compensable("b", func(a *stubActivity) {
		a.execute = func(exec *ExecuteContext[stepArgs]) (ExecutionResult, error) {
			seenByB, _ = exec.Variable("reservation")
			exec.SetVariable("discarded", true)
			return exec.Faulted(errBoom), nil
		}
	})
	engine := NewEngine(f.registry)
	slip := f.slip("a", "b")

	slip, err := engine.Run(context.Background(), slip)

	require.NoError(t, err)
	assert.Equal(t, StateFaulted, slip.State())
	assert.Equal(t, "R-1", seenByB)
	assert.Equal(t, "R-1", seenByCompensation)

	vars := slip.Variables()
	reservation, ok := vars.Get("reservation")
	require.True(t, ok)
	assert.Equal(t, "R-1", reservation)
	count, err := VariableAs[int](vars, "count")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, ok = vars.Get("discarded")
	assert.False(t, ok)
}

func TestEngine_StepPerformsOneTransition(t *testing.T) {
	f := newFixture(t)
	f.compensable("a", faults)
	engine := NewEngine(f.registry)
	slip := f.slip("a")
	ctx := context.Background()

	transition, err := engine.Step(ctx, slip)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, transition.From)
	assert.Equal(t, StateCompensating, transition.To)
	assert.True(t, transition.Invoked)
	assert.Equal(t, OutcomeFaulted, transition.Outcome)
	assert.Equal(t, "a", transition.ActivityName)
	assert.Equal(t, int64(1), slip.Version())

	transition, err = engine.Step(ctx, slip)
	require.NoError(t, err)
	assert.Equal(t, StateCompensating, transition.From)
	assert.Equal(t, StateFaulted, transition.To)
	assert.False(t, transition.Invoked)
	assert.Equal(t, int64(2), slip.Version())
	assert.Equal(t, 0, f.rec.count("compensate:"))
}

func TestEngine_EmptyItineraryCompletesWithoutInvocations(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(f.registry)
	slip := f.slip()

	transition, err := engine.Step(context.Background(), slip)

	require.NoError(t, err)
	assert.False(t, transition.Invoked)
	assert.Equal(t, StateCompleted, slip.State())
	assert.Empty(t, f.rec.Calls())
}

func TestEngine_UnregisteredActivityFaults(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	engine := NewEngine(f.registry)

	slip, err := engine.Run(context.Background(), f.slip("a", "missing"))

	require.NoError(t, err)
	assert.Equal(t, StateFaulted, slip.State())
	assert.Equal(t, []string{"execute:a", "compensate:a"}, f.rec.Calls())
	exceptions := slip.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Contains(t, exceptions[0].Message, ErrActivityNotRegistered.Error())
}

func TestEngine_EmitsEvents(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b", faults)
	engine := NewEngine(f.registry)

	var events []Event
	engine.OnEvent().Attach(func(e Event) error {
		events = append(events, e)
		return nil
	})

	slip, err := engine.Run(context.Background(), f.slip("a", "b"))
	require.NoError(t, err)

	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, string(e.Kind)+":"+e.ActivityName)
		assert.Equal(t, slip.TrackingNumber(), e.TrackingNumber)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, []string{
		"step-started:a", "step-completed:a",
		"step-started:b", "step-faulted:b",
		"compensation-started:a", "step-compensated:a",
		"saga-faulted:b",
	}, kinds)
	assert.ErrorIs(t, events[3].Err, errBoom)
}

func TestEngine_ObserverFailureDoesNotBreakSaga(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	engine := NewEngine(f.registry)
	engine.OnEvent().Attach(func(Event) error {
		return errors.New("observer down")
	})

	slip, err := engine.Run(context.Background(), f.slip("a"))

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, slip.State())
}

func TestEngine_RunStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	engine := NewEngine(f.registry)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	slip, err := engine.Run(ctx, f.slip("a"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateExecuting, slip.State())
	assert.Empty(t, f.rec.Calls())
}

func TestEngine_PersistsEveryTransition(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b", faults)
	store := newMapStore()
	engine := NewEngine(f.registry, WithStore(store))

	slip, err := engine.Run(context.Background(), f.slip("a", "b"))
	require.NoError(t, err)

	assert.Equal(t, 3, store.saves)
	stored, err := store.Load(context.Background(), slip.TrackingNumber())
	require.NoError(t, err)
	assert.Equal(t, StateFaulted, stored.State())
	assert.Equal(t, slip.Version(), stored.Version())

	faulted, err := store.FindByState(context.Background(), StateFaulted)
	require.NoError(t, err)
	assert.Len(t, faulted, 1)
}

func TestEngine_ResumeContinuesPersistedSlip(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b")
	store := newMapStore()
	engine := NewEngine(f.registry, WithStore(store))
	slip := f.slip("a", "b")

	_, err := engine.Step(context.Background(), slip)
	require.NoError(t, err)

	resumed, err := engine.Resume(context.Background(), slip.TrackingNumber())

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, resumed.State())
	assert.Equal(t, []string{"execute:a", "execute:b"}, f.rec.Calls())
}

func TestEngine_ResumeUnknownSlip(t *testing.T) {
	engine := NewEngine(NewRegistry(), WithStore(newMapStore()))

	_, err := engine.Resume(context.Background(), NewTrackingNumber())

	assert.ErrorIs(t, err, ErrRoutingSlipNotFound)
}

func mustMarshal(t *testing.T, slip *RoutingSlip) []byte {
	data, err := Marshal(slip)
	require.NoError(t, err)
	return data
}

func TestEngine_PanickingConstructorFaultsStep(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	require.NoError(t, RegisterCompensable(f.registry, "broken", func() Activity[stepArgs, stepLog] {
		panic("ctor failed")
	}))
	engine := NewEngine(f.registry)

	slip, err := engine.Run(context.Background(), f.slip("a", "broken"))

	require.NoError(t, err)
	assert.Equal(t, StateFaulted, slip.State())
	assert.Equal(t, []string{"execute:a", "compensate:a"}, f.rec.Calls())
	exceptions := slip.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Equal(t, "broken", exceptions[0].ActivityName)
	assert.Contains(t, exceptions[0].Message, ErrActivityPanicked.Error())
	assert.Contains(t, exceptions[0].Message, "ctor failed")
}

func TestEngine_PanickingConstructorFailsCompensation(t *testing.T) {
	f := newFixture(t)
	f.compensable("b", faults)
	constructed := 0
	require.NoError(t, RegisterCompensable(f.registry, "a", func() Activity[stepArgs, stepLog] {
		constructed++
		if constructed > 1 {
			panic(errors.New("ctor failed"))
		}
		return &stubActivity{name: "a", rec: f.rec}
	}))
	engine := NewEngine(f.registry)

	slip, err := engine.Run(context.Background(), f.slip("a", "b"))

	var failed *CompensationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, StateCompensationFailed, slip.State())
	assert.Equal(t, "a", failed.ActivityName)
	assert.Len(t, failed.Remaining, 1)
	assert.Equal(t, []string{"execute:a", "execute:b"}, f.rec.Calls())
}

// unavailableStore rejects every save.
type unavailableStore struct {
	*mapStore
}

func (s *unavailableStore) Save(context.Context, *RoutingSlip) error {
	return errors.New("store unavailable")
}

func TestEngine_OutcomeEventsFollowSuccessfulSave(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	engine := NewEngine(f.registry, WithStore(&unavailableStore{mapStore: newMapStore()}))
	var kinds []EventKind
	engine.OnEvent().Attach(func(e Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	})

	_, err := engine.Step(context.Background(), f.slip("a"))

	require.ErrorContains(t, err, "store unavailable")
	assert.Equal(t, []EventKind{EventStepStarted}, kinds)
}
