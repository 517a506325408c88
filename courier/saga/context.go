package saga

// ExecuteContext carries everything an executing activity may see: its typed
// arguments and the saga variables. Variable updates are staged and applied
// only if the execution completes.
type ExecuteContext[TArgs any] struct {
	trackingNumber TrackingNumber
	activityName   string
	arguments      TArgs
	variables      ReadOnlyVariables
	updates        Variables
}

func (c *ExecuteContext[TArgs]) TrackingNumber() TrackingNumber {
	return c.trackingNumber
}

func (c *ExecuteContext[TArgs]) ActivityName() string {
	return c.activityName
}

func (c *ExecuteContext[TArgs]) Arguments() TArgs {
	return c.arguments
}

// Variables returns the saga variables as they were when the step started.
func (c *ExecuteContext[TArgs]) Variables() ReadOnlyVariables {
	return c.variables
}

// Get returns the staged value of name if any, else the saga variable.
func (c *ExecuteContext[TArgs]) Get(name string) (any, bool) {
	if value, ok := c.updates[name]; ok {
		return value, true
	}
	return c.variables.Get(name)
}

// Variable is an alias of Get.
func (c *ExecuteContext[TArgs]) Variable(name string) (any, bool) {
	return c.Get(name)
}

// SetVariable stages a variable update. Staged updates are applied before
// the ones passed with WithVariables.
func (c *ExecuteContext[TArgs]) SetVariable(name string, value any) {
	if c.updates == nil {
		c.updates = Variables{}
	}
	c.updates.Set(name, value)
}

func (c *ExecuteContext[TArgs]) Completed(opts ...CompletedOption) ExecutionResult {
	return Completed(opts...)
}

func (c *ExecuteContext[TArgs]) Faulted(err error) ExecutionResult {
	return Faulted(err)
}

// CompensateContext carries the typed activity log of the step being undone
// and a read-only view of the saga variables.
type CompensateContext[TLog any] struct {
	trackingNumber TrackingNumber
	activityName   string
	log            TLog
	variables      ReadOnlyVariables
}

func (c *CompensateContext[TLog]) TrackingNumber() TrackingNumber {
	return c.trackingNumber
}

func (c *CompensateContext[TLog]) ActivityName() string {
	return c.activityName
}

func (c *CompensateContext[TLog]) Log() TLog {
	return c.log
}

func (c *CompensateContext[TLog]) Variables() ReadOnlyVariables {
	return c.variables
}

func (c *CompensateContext[TLog]) Compensated() CompensationResult {
	return Compensated()
}

func (c *CompensateContext[TLog]) Failed(err error) CompensationResult {
	return Failed(err)
}
