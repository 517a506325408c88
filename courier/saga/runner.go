package saga

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

type OutcomeStatus string

const (
	OutcomeCompleted   OutcomeStatus = "completed"
	OutcomeFaulted     OutcomeStatus = "faulted"
	OutcomeCompensated OutcomeStatus = "compensated"
	OutcomeFailed      OutcomeStatus = "failed"
)

type ExecuteRequest struct {
	TrackingNumber TrackingNumber
	ExecutionID    ulid.ULID
	Entry          ItineraryEntry
	Variables      ReadOnlyVariables
}

// ExecutionOutcome is the normalized result of one execution. Log is nil when
// the step left nothing to compensate.
type ExecutionOutcome struct {
	Status    OutcomeStatus
	Log       LogData
	Variables Variables
	Err       error
}

func (o ExecutionOutcome) Completed() bool {
	return o.Status == OutcomeCompleted
}

type CompensateRequest struct {
	TrackingNumber TrackingNumber
	ActivityLog    ActivityLog
	Variables      ReadOnlyVariables
}

type CompensationOutcome struct {
	Status OutcomeStatus
	Err    error
}

func (o CompensationOutcome) Compensated() bool {
	return o.Status == OutcomeCompensated
}

// ActivityRunner hides the typed activity behind an untyped boundary. Runners
// never return errors or panic: every abnormal termination of the activity is
// normalized to Faulted (execution) or Failed (compensation).
type ActivityRunner interface {
	Execute(ctx context.Context, req ExecuteRequest) ExecutionOutcome
	Compensate(ctx context.Context, req CompensateRequest) CompensationOutcome
	Compensable() bool
}

// NewExecuteRunner wraps an execute-only activity.
func NewExecuteRunner[TArgs any](activity ExecuteActivity[TArgs]) ActivityRunner {
	return &executeRunner[TArgs]{activity: activity}
}

// NewActivityRunner wraps a compensable activity.
func NewActivityRunner[TArgs any, TLog any](activity Activity[TArgs, TLog]) ActivityRunner {
	return &activityRunner[TArgs, TLog]{
		executeRunner: executeRunner[TArgs]{activity: activity},
		activity:      activity,
	}
}

type executeRunner[TArgs any] struct {
	activity ExecuteActivity[TArgs]
}

func (r *executeRunner[TArgs]) Compensable() bool {
	return false
}

func (r *executeRunner[TArgs]) Execute(ctx context.Context, req ExecuteRequest) ExecutionOutcome {
	return r.execute(ctx, req, func(log any) (LogData, error) {
		if log != nil {
			return nil, errors.Wrapf(ErrNotCompensable, "%q returned a log", req.Entry.ActivityName)
		}
		return nil, nil
	})
}

func (r *executeRunner[TArgs]) Compensate(_ context.Context, req CompensateRequest) CompensationOutcome {
	return CompensationOutcome{
		Status: OutcomeFailed,
		Err:    errors.Wrapf(ErrNotCompensable, "%q", req.ActivityLog.ActivityName),
	}
}

func (r *executeRunner[TArgs]) execute(
	ctx context.Context, req ExecuteRequest, captureLog func(log any) (LogData, error),
) (outcome ExecutionOutcome) {
	defer func() {
		if p := recover(); p != nil {
			outcome = faultedOutcome(panicError(p))
		}
	}()

	var args TArgs
	if err := decode(map[string]any(req.Entry.Arguments), &args); err != nil {
		return faultedOutcome(errors.Wrapf(err, "decode arguments of %q", req.Entry.ActivityName))
	}
	exec := &ExecuteContext[TArgs]{
		trackingNumber: req.TrackingNumber,
		activityName:   req.Entry.ActivityName,
		arguments:      args,
		variables:      req.Variables,
	}

	result, err := r.activity.Execute(ctx, exec)
	if err != nil {
		return faultedOutcome(err)
	}
	switch result.kind {
	case resultCompleted:
	case resultFaulted:
		if result.err == nil {
			return faultedOutcome(errors.Errorf("%q faulted", req.Entry.ActivityName))
		}
		return faultedOutcome(result.err)
	default:
		return faultedOutcome(errors.Wrapf(ErrUndefinedResult, "execute %q", req.Entry.ActivityName))
	}

	log, err := captureLog(result.log)
	if err != nil {
		return faultedOutcome(err)
	}
	variables := Variables{}
	variables.Merge(exec.updates)
	variables.Merge(result.variables)
	return ExecutionOutcome{
		Status:    OutcomeCompleted,
		Log:       log,
		Variables: variables,
	}
}

type activityRunner[TArgs any, TLog any] struct {
	executeRunner[TArgs]
	activity Activity[TArgs, TLog]
}

func (r *activityRunner[TArgs, TLog]) Compensable() bool {
	return true
}

func (r *activityRunner[TArgs, TLog]) Execute(ctx context.Context, req ExecuteRequest) ExecutionOutcome {
	return r.execute(ctx, req, func(log any) (LogData, error) {
		switch log.(type) {
		case nil:
			return nil, nil
		case TLog, *TLog:
		default:
			var expected TLog
			return nil, errors.Wrapf(ErrLogTypeMismatch, "%q returned %T, expected %T",
				req.Entry.ActivityName, log, expected)
		}
		data, err := encode(log)
		if err != nil {
			return nil, errors.Wrapf(err, "log of %q", req.Entry.ActivityName)
		}
		return LogData(data), nil
	})
}

func (r *activityRunner[TArgs, TLog]) Compensate(ctx context.Context, req CompensateRequest) (outcome CompensationOutcome) {
	defer func() {
		if p := recover(); p != nil {
			outcome = failedOutcome(panicError(p))
		}
	}()

	var log TLog
	if err := decode(map[string]any(req.ActivityLog.Log), &log); err != nil {
		return failedOutcome(errors.Wrapf(ErrLogTypeMismatch, "decode log of %q: %v", req.ActivityLog.ActivityName, err))
	}
	comp := &CompensateContext[TLog]{
		trackingNumber: req.TrackingNumber,
		activityName:   req.ActivityLog.ActivityName,
		log:            log,
		variables:      req.Variables,
	}

	result, err := r.activity.Compensate(ctx, comp)
	if err != nil {
		return failedOutcome(err)
	}
	switch result.kind {
	case resultCompensated:
		return CompensationOutcome{Status: OutcomeCompensated}
	case resultFailed:
		if result.err == nil {
			return failedOutcome(errors.Errorf("compensation of %q failed", req.ActivityLog.ActivityName))
		}
		return failedOutcome(result.err)
	default:
		return failedOutcome(errors.Wrapf(ErrUndefinedResult, "compensate %q", req.ActivityLog.ActivityName))
	}
}

func faultedOutcome(err error) ExecutionOutcome {
	return ExecutionOutcome{Status: OutcomeFaulted, Err: err}
}

func failedOutcome(err error) CompensationOutcome {
	return CompensationOutcome{Status: OutcomeFailed, Err: err}
}

func panicError(p any) error {
	if err, ok := p.(error); ok {
		return errors.Wrap(ErrActivityPanicked, err.Error())
	}
	return errors.Wrap(ErrActivityPanicked, fmt.Sprint(p))
}
