// Package storetest is the behavior every saga.Store implementation shares.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/courier-go/courier/saga"
)

type okArgs struct{}

type okLog struct {
	N int `json:"n"`
}

type okActivity struct{}

func (okActivity) Execute(_ context.Context, exec *saga.ExecuteContext[okArgs]) (saga.ExecutionResult, error) {
	return exec.Completed(saga.WithLog(okLog{N: 1}), saga.WithVariables(saga.Variables{"seen": true})), nil
}

func (okActivity) Compensate(_ context.Context, comp *saga.CompensateContext[okLog]) (saga.CompensationResult, error) {
	return comp.Compensated(), nil
}

// NewSlip builds a slip of steps "ok" activities.
func NewSlip(t *testing.T, steps int) *saga.RoutingSlip {
	b := saga.NewRoutingSlipBuilder(saga.TrackingNumber{})
	for i := 0; i < steps; i++ {
		b.AddActivity("ok", "loopback://ok", map[string]any{"step": i})
	}
	slip, err := b.Build()
	require.NoError(t, err)
	return slip
}

// NewEngine returns an engine over store that knows the "ok" activity.
func NewEngine(t *testing.T, store saga.Store) *saga.Engine {
	registry := saga.NewRegistry()
	require.NoError(t, saga.RegisterCompensable(registry, "ok", func() saga.Activity[okArgs, okLog] {
		return okActivity{}
	}))
	return saga.NewEngine(registry, saga.WithStore(store))
}

// Run checks the contract of saga.Store against a fresh store per subtest.
func Run(t *testing.T, newStore func(t *testing.T) saga.Store) {
	ctx := context.Background()

	t.Run("load unknown", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Load(ctx, saga.NewTrackingNumber())

		assert.ErrorIs(t, err, saga.ErrRoutingSlipNotFound)
	})

	t.Run("save and load", func(t *testing.T) {
		store := newStore(t)
		engine := NewEngine(t, store)
		slip := NewSlip(t, 2)

		_, err := engine.Step(ctx, slip)
		require.NoError(t, err)

		loaded, err := store.Load(ctx, slip.TrackingNumber())
		require.NoError(t, err)
		assert.Equal(t, slip.Version(), loaded.Version())
		assert.Equal(t, saga.StateExecuting, loaded.State())
		assert.Len(t, loaded.ActivityLogs(), 1)
		assert.Len(t, loaded.Itinerary(), 1)
		seen, ok := loaded.Variables().Get("seen")
		require.True(t, ok)
		assert.Equal(t, true, seen)
	})

	t.Run("rejects stale versions", func(t *testing.T) {
		store := newStore(t)
		engine := NewEngine(t, store)
		slip := NewSlip(t, 2)
		require.NoError(t, store.Save(ctx, slip))
		stale := slip.Clone()

		_, err := engine.Step(ctx, slip)
		require.NoError(t, err)

		assert.ErrorIs(t, store.Save(ctx, stale), saga.ErrStaleRoutingSlip)
		assert.ErrorIs(t, store.Save(ctx, slip), saga.ErrStaleRoutingSlip)
		loaded, err := store.Load(ctx, slip.TrackingNumber())
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version())
	})

	t.Run("find by state", func(t *testing.T) {
		store := newStore(t)
		engine := NewEngine(t, store)
		done, err := engine.Run(ctx, NewSlip(t, 1))
		require.NoError(t, err)
		running := NewSlip(t, 2)
		_, err = engine.Step(ctx, running)
		require.NoError(t, err)

		completed, err := store.FindByState(ctx, saga.StateCompleted)
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, done.TrackingNumber(), completed[0].TrackingNumber())

		executing, err := store.FindByState(ctx, saga.StateExecuting)
		require.NoError(t, err)
		require.Len(t, executing, 1)
		assert.Equal(t, running.TrackingNumber(), executing[0].TrackingNumber())

		failed, err := store.FindByState(ctx, saga.StateCompensationFailed)
		require.NoError(t, err)
		assert.Empty(t, failed)
	})

	t.Run("state index follows updates", func(t *testing.T) {
		store := newStore(t)
		engine := NewEngine(t, store)
		slip := NewSlip(t, 2)
		_, err := engine.Step(ctx, slip)
		require.NoError(t, err)
		_, err = engine.Run(ctx, slip)
		require.NoError(t, err)

		executing, err := store.FindByState(ctx, saga.StateExecuting)
		require.NoError(t, err)
		assert.Empty(t, executing)
	})
}
