package saga

import "context"

// ExecuteActivity is a step that only moves forward. A completed
// ExecuteActivity leaves no activity log and is skipped during compensation.
type ExecuteActivity[TArgs any] interface {
	// Execute performs the business operation with the typed arguments of
	// its itinerary entry. A returned error is treated as Faulted.
	Execute(ctx context.Context, exec *ExecuteContext[TArgs]) (ExecutionResult, error)
}

// Activity is a compensable step.
// Each activity encapsulates two operations:
// - Execute: Performs the actual business operation and records a log
// - Compensate: Reverses the operation using that log if the saga fails
type Activity[TArgs any, TLog any] interface {
	ExecuteActivity[TArgs]

	// Compensate undoes a previously completed execution. It may be invoked
	// more than once for the same log and has to be idempotent.
	Compensate(ctx context.Context, comp *CompensateContext[TLog]) (CompensationResult, error)
}
