package composite

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/krew-solutions/courier-go/courier/saga"
)

type ParallelArgs struct {
	Branches []saga.Itinerary `json:"branches"`
}

type ParallelLog struct {
	Branches []BranchLog `json:"branches"`
}

// Parallel executes several itineraries concurrently (fork/join).
// Each branch is a full routing slip with its own forward/backward paths.
//
// Behavior:
// - Executes all branches concurrently, at most concurrency at a time
// - Faults if any branch does not complete, after compensating the completed ones
// - Compensation: all branches compensated concurrently
type Parallel struct {
	engine      *saga.Engine
	concurrency int
}

// NewParallel creates a Parallel whose branches run on a nested engine over
// resolver. concurrency <= 0 means no limit.
func NewParallel(resolver saga.ActivityResolver, concurrency int, logger *slog.Logger) *Parallel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parallel{
		engine:      saga.NewEngine(resolver, saga.WithLogger(logger)),
		concurrency: concurrency,
	}
}

// RegisterParallel registers a Parallel activity under name. Branches resolve
// their activities in the same registry.
func RegisterParallel(registry *saga.Registry, name string, concurrency int, logger *slog.Logger) error {
	return saga.RegisterCompensable(registry, name, func() saga.Activity[ParallelArgs, ParallelLog] {
		return NewParallel(registry, concurrency, logger)
	})
}

func (p *Parallel) Execute(ctx context.Context, exec *saga.ExecuteContext[ParallelArgs]) (saga.ExecutionResult, error) {
	branches := exec.Arguments().Branches
	variables := exec.Variables()
	results := make([]branchResult, len(branches))

	g := p.group()
	for i, itinerary := range branches {
		g.Go(func() error {
			results[i] = runBranch(ctx, p.engine, itinerary, variables)
			return nil
		})
	}
	_ = g.Wait()

	var failures *multierror.Error
	for _, r := range results {
		if !r.completed() {
			failures = multierror.Append(failures, r.failure())
		}
	}
	if failures != nil {
		// Failed branches unwound themselves; undo the ones that completed.
		var completed []BranchLog
		for _, r := range results {
			if r.completed() {
				completed = append(completed, r.log())
			}
		}
		if err := p.compensate(ctx, completed, variables); err != nil {
			failures = multierror.Append(failures, err)
		}
		return exec.Faulted(failures.ErrorOrNil()), nil
	}

	log := ParallelLog{Branches: make([]BranchLog, 0, len(results))}
	updates := saga.Variables{}
	for _, r := range results {
		log.Branches = append(log.Branches, r.log())
		updates.Merge(branchVariables(r.slip, variables))
	}
	return exec.Completed(saga.WithLog(log), saga.WithVariables(updates)), nil
}

func (p *Parallel) Compensate(ctx context.Context, comp *saga.CompensateContext[ParallelLog]) (saga.CompensationResult, error) {
	if err := p.compensate(ctx, comp.Log().Branches, comp.Variables()); err != nil {
		return comp.Failed(err), nil
	}
	return comp.Compensated(), nil
}

func (p *Parallel) compensate(ctx context.Context, branches []BranchLog, variables saga.ReadOnlyVariables) error {
	errs := make([]error, len(branches))
	g := p.group()
	for i, branch := range branches {
		g.Go(func() error {
			errs[i] = compensateBranch(ctx, p.engine, branch, variables)
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (p *Parallel) group() *errgroup.Group {
	g := &errgroup.Group{}
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	return g
}
