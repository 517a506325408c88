package composite

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/saga"
)

type FallbackArgs struct {
	Alternatives []saga.Itinerary `json:"alternatives"`
}

type FallbackLog struct {
	Alternative int       `json:"alternative"`
	Branch      BranchLog `json:"branch"`
}

// ErrNoAlternativeCompleted is the fault reported when every alternative of a
// Fallback failed.
var ErrNoAlternativeCompleted = errors.New("no alternative completed")

// Fallback tries alternative itineraries until one completes.
//
// Behavior:
// - Tries each alternative in order and stops on the first that completes
// - A failed alternative compensates itself before the next one is tried
// - Only the completed alternative needs compensation later
type Fallback struct {
	engine *saga.Engine
}

func NewFallback(resolver saga.ActivityResolver, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{
		engine: saga.NewEngine(resolver, saga.WithLogger(logger)),
	}
}

func RegisterFallback(registry *saga.Registry, name string, logger *slog.Logger) error {
	return saga.RegisterCompensable(registry, name, func() saga.Activity[FallbackArgs, FallbackLog] {
		return NewFallback(registry, logger)
	})
}

func (f *Fallback) Execute(ctx context.Context, exec *saga.ExecuteContext[FallbackArgs]) (saga.ExecutionResult, error) {
	variables := exec.Variables()
	var failures *multierror.Error
	for i, alternative := range exec.Arguments().Alternatives {
		r := runBranch(ctx, f.engine, alternative, variables)
		if r.completed() {
			log := FallbackLog{Alternative: i, Branch: r.log()}
			return exec.Completed(
				saga.WithLog(log),
				saga.WithVariables(branchVariables(r.slip, variables)),
			), nil
		}
		var compensationFailed *saga.CompensationFailedError
		if errors.As(r.err, &compensationFailed) {
			// An alternative that could not undo itself stops the fallback.
			return exec.Faulted(r.err), nil
		}
		failures = multierror.Append(failures, errors.Wrapf(r.failure(), "alternative %d", i))
	}
	if failures == nil {
		return exec.Faulted(ErrNoAlternativeCompleted), nil
	}
	return exec.Faulted(multierror.Append(ErrNoAlternativeCompleted, failures.Errors...)), nil
}

func (f *Fallback) Compensate(ctx context.Context, comp *saga.CompensateContext[FallbackLog]) (saga.CompensationResult, error) {
	if err := compensateBranch(ctx, f.engine, comp.Log().Branch, comp.Variables()); err != nil {
		return comp.Failed(err), nil
	}
	return comp.Compensated(), nil
}
