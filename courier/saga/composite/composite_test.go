package composite_test

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/saga/composite"
)

type bookingArgs struct {
	Item string `json:"item"`
	Fail bool   `json:"fail"`
}

type bookingLog struct {
	Item string `json:"item"`
}

type ledger struct {
	mu          sync.Mutex
	booked      map[string]int
	compensated []string
	failUndo    map[string]bool
}

func newLedger() *ledger {
	return &ledger{booked: map[string]int{}, failUndo: map[string]bool{}}
}

func (l *ledger) Execute(_ context.Context, exec *saga.ExecuteContext[bookingArgs]) (saga.ExecutionResult, error) {
	args := exec.Arguments()
	if args.Fail {
		return exec.Faulted(errors.Errorf("%s unavailable", args.Item)), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.booked[args.Item]++
	exec.SetVariable(args.Item, "booked")
	return exec.Completed(saga.WithLog(bookingLog{Item: args.Item})), nil
}

func (l *ledger) Compensate(_ context.Context, comp *saga.CompensateContext[bookingLog]) (saga.CompensationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item := comp.Log().Item
	if l.failUndo[item] {
		return comp.Failed(errors.Errorf("cannot release %s", item)), nil
	}
	l.booked[item]--
	l.compensated = append(l.compensated, item)
	return comp.Compensated(), nil
}

func (l *ledger) holding() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]int{}
	for item, n := range l.booked {
		if n != 0 {
			out[item] = n
		}
	}
	return out
}

func setup(t *testing.T) (*saga.Registry, *ledger) {
	registry := saga.NewRegistry()
	l := newLedger()
	require.NoError(t, saga.RegisterCompensable(registry, "book", func() saga.Activity[bookingArgs, bookingLog] {
		return l
	}))
	require.NoError(t, composite.RegisterParallel(registry, "parallel", 2, nil))
	require.NoError(t, composite.RegisterFallback(registry, "fallback", nil))
	return registry, l
}

func book(item string, fail bool) saga.ItineraryEntry {
	return saga.NewItineraryEntry("book", "loopback://book", saga.Arguments{"item": item, "fail": fail})
}

func run(t *testing.T, registry *saga.Registry, build func(b *saga.RoutingSlipBuilder)) (*saga.RoutingSlip, error) {
	b := saga.NewRoutingSlipBuilder(saga.TrackingNumber{})
	build(b)
	slip, err := b.Build()
	require.NoError(t, err)
	return saga.NewEngine(registry).Run(context.Background(), slip)
}

func TestParallel_AllBranchesComplete(t *testing.T) {
	registry, l := setup(t)

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddActivity("parallel", "loopback://parallel", composite.ParallelArgs{
			Branches: []saga.Itinerary{
				{book("car", false)},
				{book("hotel", false), book("breakfast", false)},
			},
		})
	})

	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, slip.State())
	assert.Equal(t, map[string]int{"car": 1, "hotel": 1, "breakfast": 1}, l.holding())
	logs := slip.ActivityLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "parallel", logs[0].ActivityName)
	hotel, ok := slip.Variables().Get("hotel")
	require.True(t, ok)
	assert.Equal(t, "booked", hotel)
}

func TestParallel_FailedBranchCompensatesCompletedOnes(t *testing.T) {
	registry, l := setup(t)

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddActivity("parallel", "loopback://parallel", composite.ParallelArgs{
			Branches: []saga.Itinerary{
				{book("car", false)},
				{book("hotel", false), book("flight", true)},
			},
		})
	})

	require.NoError(t, err)
	assert.Equal(t, saga.StateFaulted, slip.State())
	assert.Empty(t, l.holding())
	assert.ElementsMatch(t, []string{"car", "hotel"}, l.compensated)
	exceptions := slip.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Contains(t, exceptions[0].Message, "flight unavailable")
}

func TestParallel_CompensatedWhenLaterStepFaults(t *testing.T) {
	registry, l := setup(t)

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddActivity("parallel", "loopback://parallel", composite.ParallelArgs{
			Branches: []saga.Itinerary{
				{book("car", false)},
				{book("hotel", false)},
			},
		})
		b.AddEntry(book("flight", true))
	})

	require.NoError(t, err)
	assert.Equal(t, saga.StateFaulted, slip.State())
	assert.Empty(t, l.holding())
	assert.ElementsMatch(t, []string{"car", "hotel"}, l.compensated)
}

func TestFallback_UsesFirstCompletingAlternative(t *testing.T) {
	registry, l := setup(t)

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddActivity("fallback", "loopback://fallback", composite.FallbackArgs{
			Alternatives: []saga.Itinerary{
				{book("hotel-a", false), book("shuttle-a", true)},
				{book("hotel-b", false)},
				{book("hotel-c", false)},
			},
		})
	})

	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, slip.State())
	assert.Equal(t, map[string]int{"hotel-b": 1}, l.holding())
	assert.Equal(t, []string{"hotel-a"}, l.compensated)
}

func TestFallback_CompensatesWinningAlternative(t *testing.T) {
	registry, l := setup(t)

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddActivity("fallback", "loopback://fallback", composite.FallbackArgs{
			Alternatives: []saga.Itinerary{
				{book("hotel-a", true)},
				{book("hotel-b", false)},
			},
		})
		b.AddEntry(book("flight", true))
	})

	require.NoError(t, err)
	assert.Equal(t, saga.StateFaulted, slip.State())
	assert.Empty(t, l.holding())
	assert.Equal(t, []string{"hotel-b"}, l.compensated)
}

func TestFallback_AllAlternativesFail(t *testing.T) {
	registry, _ := setup(t)

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddActivity("fallback", "loopback://fallback", composite.FallbackArgs{
			Alternatives: []saga.Itinerary{
				{book("hotel-a", true)},
				{book("hotel-b", true)},
			},
		})
	})

	require.NoError(t, err)
	assert.Equal(t, saga.StateFaulted, slip.State())
	exceptions := slip.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Equal(t, "fallback", exceptions[0].ActivityName)
	assert.Contains(t, exceptions[0].Message, composite.ErrNoAlternativeCompleted.Error())
	assert.Contains(t, exceptions[0].Message, "alternative 0")
	assert.Contains(t, exceptions[0].Message, "hotel-a unavailable")
	assert.Contains(t, exceptions[0].Message, "alternative 1")
	assert.Contains(t, exceptions[0].Message, "hotel-b unavailable")
}

func TestFallback_AllAlternativesFailAfterPartialProgress(t *testing.T) {
	registry, l := setup(t)

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddEntry(book("flight", false))
		b.AddActivity("fallback", "loopback://fallback", composite.FallbackArgs{
			Alternatives: []saga.Itinerary{
				{book("hotel-a", false), book("shuttle-a", true)},
				{book("hotel-b", false), book("shuttle-b", true)},
			},
		})
	})

	require.NoError(t, err)
	assert.Equal(t, saga.StateFaulted, slip.State())
	assert.Empty(t, l.holding())
	assert.Equal(t, []string{"hotel-a", "hotel-b", "flight"}, l.compensated)
	exceptions := slip.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Contains(t, exceptions[0].Message, "shuttle-a unavailable")
	assert.Contains(t, exceptions[0].Message, "shuttle-b unavailable")
}

func TestFallback_StopsWhenAlternativeCannotCompensate(t *testing.T) {
	registry, l := setup(t)
	l.failUndo["hotel-a"] = true

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddActivity("fallback", "loopback://fallback", composite.FallbackArgs{
			Alternatives: []saga.Itinerary{
				{book("hotel-a", false), book("shuttle-a", true)},
				{book("hotel-b", false)},
			},
		})
	})

	require.NoError(t, err)
	assert.Equal(t, saga.StateFaulted, slip.State())
	// The second alternative is never tried.
	assert.Equal(t, map[string]int{"hotel-a": 1}, l.holding())
	assert.Empty(t, l.compensated)
	exceptions := slip.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Contains(t, exceptions[0].Message, "cannot release hotel-a")
	assert.NotContains(t, exceptions[0].Message, composite.ErrNoAlternativeCompleted.Error())
}

func TestParallel_FailedBranchWithUndoableSibling(t *testing.T) {
	registry, l := setup(t)
	l.failUndo["car"] = true

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddActivity("parallel", "loopback://parallel", composite.ParallelArgs{
			Branches: []saga.Itinerary{
				{book("car", false)},
				{book("hotel", false), book("flight", true)},
			},
		})
	})

	require.NoError(t, err)
	assert.Equal(t, saga.StateFaulted, slip.State())
	assert.Equal(t, map[string]int{"car": 1}, l.holding())
	assert.Equal(t, []string{"hotel"}, l.compensated)
	exceptions := slip.Exceptions()
	require.Len(t, exceptions, 1)
	assert.Contains(t, exceptions[0].Message, "flight unavailable")
	assert.Contains(t, exceptions[0].Message, "cannot release car")
}

func TestParallel_CompensationFailureEscalates(t *testing.T) {
	registry, l := setup(t)
	l.failUndo["car"] = true

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddActivity("parallel", "loopback://parallel", composite.ParallelArgs{
			Branches: []saga.Itinerary{
				{book("car", false)},
				{book("hotel", false)},
			},
		})
		b.AddEntry(book("flight", true))
	})

	var failed *saga.CompensationFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "parallel", failed.ActivityName)
	assert.Equal(t, saga.StateCompensationFailed, slip.State())
	assert.Equal(t, map[string]int{"car": 1}, l.holding())
}

func TestParallel_CompensateReportsFailedBranch(t *testing.T) {
	registry, l := setup(t)
	l.failUndo["hotel"] = true

	slip, err := run(t, registry, func(b *saga.RoutingSlipBuilder) {
		b.AddEntry(book("flight", false))
		b.AddActivity("parallel", "loopback://parallel", composite.ParallelArgs{
			Branches: []saga.Itinerary{
				{book("car", false)},
				{book("hotel", false)},
			},
		})
		b.AddEntry(book("taxi", true))
	})

	var failed *saga.CompensationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "parallel", failed.ActivityName)
	assert.Contains(t, failed.Error(), "cannot release hotel")
	// The flight step stays booked because unwinding stopped at the parallel step.
	require.Len(t, failed.Remaining, 2)
	assert.Equal(t, "book", failed.Remaining[0].ActivityName)
	assert.Equal(t, "parallel", failed.Remaining[1].ActivityName)
	assert.Equal(t, saga.StateCompensationFailed, slip.State())
	assert.Equal(t, map[string]int{"flight": 1, "hotel": 1}, l.holding())
	assert.Equal(t, []string{"car"}, l.compensated)
}
