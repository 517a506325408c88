// Package composite provides activities that run nested routing slips:
// Parallel (fork/join) and Fallback (recovery blocks), after sections 6 and 8
// of Garcia-Molina & Salem's "Sagas" (1987).
package composite

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/saga"
)

// BranchLog is what a composite step needs to undo one completed nested
// routing slip.
type BranchLog struct {
	TrackingNumber saga.TrackingNumber `json:"trackingNumber"`
	ActivityLogs   []saga.ActivityLog  `json:"activityLogs"`
}

type branchResult struct {
	slip *saga.RoutingSlip
	err  error
}

func (r branchResult) completed() bool {
	return r.err == nil && r.slip != nil && r.slip.State() == saga.StateCompleted
}

func (r branchResult) failure() error {
	if r.err != nil {
		return r.err
	}
	exceptions := r.slip.Exceptions()
	if len(exceptions) == 0 {
		return errors.Errorf("branch %s ended %s", r.slip.TrackingNumber(), r.slip.State())
	}
	last := exceptions[len(exceptions)-1]
	return errors.Errorf("branch %s: %q faulted: %s", r.slip.TrackingNumber(), last.ActivityName, last.Message)
}

func (r branchResult) log() BranchLog {
	return BranchLog{
		TrackingNumber: r.slip.TrackingNumber(),
		ActivityLogs:   r.slip.ActivityLogs(),
	}
}

func runBranch(ctx context.Context, engine *saga.Engine, itinerary saga.Itinerary, variables saga.ReadOnlyVariables) branchResult {
	builder := saga.NewRoutingSlipBuilder(saga.TrackingNumber{}).AddVariables(variables.Clone())
	for _, entry := range itinerary {
		builder.AddEntry(entry)
	}
	slip, err := builder.Build()
	if err != nil {
		return branchResult{err: err}
	}
	slip, err = engine.Run(ctx, slip)
	return branchResult{slip: slip, err: err}
}

// compensateBranch unwinds a completed branch. It returns nil if the branch
// left nothing to compensate.
func compensateBranch(ctx context.Context, engine *saga.Engine, branch BranchLog, variables saga.ReadOnlyVariables) error {
	if len(branch.ActivityLogs) == 0 {
		return nil
	}
	slip := saga.NewCompensatingRoutingSlip(branch.TrackingNumber, branch.ActivityLogs, variables.Clone())
	_, err := engine.Run(ctx, slip)
	return err
}

// branchVariables returns the variables a branch added or changed.
func branchVariables(slip *saga.RoutingSlip, before saga.ReadOnlyVariables) saga.Variables {
	changed := saga.Variables{}
	after := slip.Variables()
	for _, name := range after.Keys() {
		value, _ := after.Get(name)
		if old, ok := before.Get(name); ok && reflect.DeepEqual(old, value) {
			continue
		}
		changed.Set(name, value)
	}
	return changed
}
