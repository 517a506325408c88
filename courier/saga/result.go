package saga

type resultKind int

const (
	resultUndefined resultKind = iota
	resultCompleted
	resultFaulted
	resultCompensated
	resultFailed
)

// ExecutionResult is what Execute returns. The zero value is undefined and
// is normalized to Faulted by the runner.
type ExecutionResult struct {
	kind      resultKind
	log       any
	variables Variables
	err       error
}

func (r ExecutionResult) IsCompleted() bool {
	return r.kind == resultCompleted
}

func (r ExecutionResult) IsFaulted() bool {
	return r.kind == resultFaulted
}

func (r ExecutionResult) Err() error {
	return r.err
}

// CompensationResult is what Compensate returns. The zero value is undefined
// and is normalized to Failed by the runner.
type CompensationResult struct {
	kind resultKind
	err  error
}

func (r CompensationResult) IsCompensated() bool {
	return r.kind == resultCompensated
}

func (r CompensationResult) IsFailed() bool {
	return r.kind == resultFailed
}

func (r CompensationResult) Err() error {
	return r.err
}

type CompletedOption func(*ExecutionResult)

// WithLog attaches the data needed to compensate the step later. Without a
// log the step is not compensable.
func WithLog(log any) CompletedOption {
	return func(r *ExecutionResult) {
		r.log = log
	}
}

// WithVariables adds or overwrites saga variables once the step completes.
func WithVariables(variables Variables) CompletedOption {
	return func(r *ExecutionResult) {
		if r.variables == nil {
			r.variables = Variables{}
		}
		r.variables.Merge(variables)
	}
}

func Completed(opts ...CompletedOption) ExecutionResult {
	r := ExecutionResult{kind: resultCompleted}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func Faulted(err error) ExecutionResult {
	return ExecutionResult{kind: resultFaulted, err: err}
}

func Compensated() CompensationResult {
	return CompensationResult{kind: resultCompensated}
}

func Failed(err error) CompensationResult {
	return CompensationResult{kind: resultFailed, err: err}
}
