package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/krew-solutions/courier-go/courier/signals"
)

const instrumentationName = "github.com/krew-solutions/courier-go/courier/saga"

type Clock func() time.Time

type EngineOption func(*Engine)

func WithStore(store Store) EngineOption {
	return func(e *Engine) {
		e.store = store
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithTracerProvider(provider trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracer = provider.Tracer(instrumentationName)
	}
}

func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		e.now = clock
	}
}

// Transition describes one Step. Invoked is false for steps that only moved
// the state machine without calling an activity.
type Transition struct {
	TrackingNumber TrackingNumber
	From           State
	To             State
	ActivityName   string
	Invoked        bool
	Outcome        OutcomeStatus
	Err            error
	NextAddress    string
}

// Engine is the orchestrator. It advances routing slips one transition at a
// time and holds no per-saga state, so one Engine serves any number of
// concurrent sagas as long as each slip is stepped by one goroutine at a
// time.
type Engine struct {
	resolver ActivityResolver
	store    Store
	logger   *slog.Logger
	tracer   trace.Tracer
	now      Clock
	onEvent  *signals.SignalImp[Event]
}

func NewEngine(resolver ActivityResolver, opts ...EngineOption) *Engine {
	e := &Engine{
		resolver: resolver,
		logger:   slog.Default(),
		tracer:   otel.GetTracerProvider().Tracer(instrumentationName),
		now: func() time.Time {
			return time.Now().UTC()
		},
		onEvent: signals.NewSignal[Event](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnEvent returns the signal observers attach to.
func (e *Engine) OnEvent() signals.Signal[Event] {
	return e.onEvent
}

// Store returns the configured store or nil.
func (e *Engine) Store() Store {
	return e.store
}

func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// Step performs exactly one state transition, invoking at most one activity.
// Stepping a terminal slip is a no-op.
func (e *Engine) Step(ctx context.Context, slip *RoutingSlip) (Transition, error) {
	t := Transition{
		TrackingNumber: slip.TrackingNumber(),
		From:           slip.State(),
		To:             slip.State(),
	}
	if slip.IsTerminal() {
		return t, nil
	}
	if err := slip.Validate(); err != nil {
		return t, err
	}

	var terminal []State
	var outcomes []Event
	lifecycle := newLifecycle(slip, func(state State) {
		terminal = append(terminal, state)
	})

	var err error
	switch slip.State() {
	case StateExecuting:
		err = e.stepForward(ctx, slip, lifecycle, &t, &outcomes)
	case StateCompensating:
		err = e.stepBackward(ctx, slip, lifecycle, &t, &outcomes)
	}
	if err != nil {
		return t, err
	}

	slip.touch()
	t.To = slip.State()
	t.NextAddress = slip.NextAddress()

	if e.store != nil {
		if err := e.store.Save(ctx, slip); err != nil {
			return t, errors.Wrapf(err, "save routing slip %s", slip.TrackingNumber())
		}
	}
	// Outcome events describe the persisted transition.
	for _, event := range outcomes {
		e.emit(event)
	}
	for _, state := range terminal {
		e.emitTerminal(slip, state)
	}
	return t, nil
}

func (e *Engine) stepForward(ctx context.Context, slip *RoutingSlip, lifecycle *stateless.StateMachine, t *Transition, outcomes *[]Event) error {
	if !slip.HasItinerary() {
		return lifecycle.FireCtx(ctx, triggerItineraryExhausted)
	}

	entry, err := slip.NextActivity()
	if err != nil {
		return err
	}
	executionID := ulid.Make()
	t.ActivityName = entry.ActivityName
	t.Invoked = true

	e.emit(Event{
		Kind:           EventStepStarted,
		TrackingNumber: slip.TrackingNumber(),
		ActivityName:   entry.ActivityName,
		Address:        entry.Address,
		ExecutionID:    executionID,
		State:          slip.State(),
	})

	started := e.now()
	outcome := e.execute(ctx, ExecuteRequest{
		TrackingNumber: slip.TrackingNumber(),
		ExecutionID:    executionID,
		Entry:          entry,
		Variables:      slip.Variables(),
	})
	finished := e.now()
	t.Outcome = outcome.Status
	t.Err = outcome.Err

	event := Event{
		TrackingNumber: slip.TrackingNumber(),
		ActivityName:   entry.ActivityName,
		Address:        entry.Address,
		ExecutionID:    executionID,
		Timestamp:      finished,
		Duration:       finished.Sub(started),
	}

	if outcome.Completed() {
		if outcome.Log != nil {
			slip.AddActivityLog(ActivityLog{
				ExecutionID:  executionID,
				ActivityName: entry.ActivityName,
				Address:      entry.Address,
				Log:          outcome.Log,
				Timestamp:    finished,
			})
		}
		slip.mergeVariables(outcome.Variables)
		if !slip.HasItinerary() {
			if err := lifecycle.FireCtx(ctx, triggerItineraryExhausted); err != nil {
				return err
			}
		}
		event.Kind = EventStepCompleted
		event.State = slip.State()
		*outcomes = append(*outcomes, event)
		return nil
	}

	slip.addException(ActivityException{
		ExecutionID:  executionID,
		ActivityName: entry.ActivityName,
		Address:      entry.Address,
		Direction:    DirectionExecute,
		Message:      errorMessage(outcome.Err),
		Timestamp:    finished,
	})
	if err := lifecycle.FireCtx(ctx, triggerActivityFaulted); err != nil {
		return err
	}
	event.Kind = EventStepFaulted
	event.State = slip.State()
	event.Err = outcome.Err
	*outcomes = append(*outcomes, event)
	return nil
}

func (e *Engine) stepBackward(ctx context.Context, slip *RoutingSlip, lifecycle *stateless.StateMachine, t *Transition, outcomes *[]Event) error {
	if !slip.HasActivityLogs() {
		return lifecycle.FireCtx(ctx, triggerHistoryExhausted)
	}

	log, err := slip.PeekActivityLog()
	if err != nil {
		return err
	}
	t.ActivityName = log.ActivityName
	t.Invoked = true

	e.emit(Event{
		Kind:           EventCompensationStarted,
		TrackingNumber: slip.TrackingNumber(),
		ActivityName:   log.ActivityName,
		Address:        log.Address,
		ExecutionID:    log.ExecutionID,
		State:          slip.State(),
	})

	started := e.now()
	outcome := e.compensate(ctx, CompensateRequest{
		TrackingNumber: slip.TrackingNumber(),
		ActivityLog:    log,
		Variables:      slip.Variables(),
	})
	finished := e.now()
	t.Outcome = outcome.Status
	t.Err = outcome.Err

	event := Event{
		TrackingNumber: slip.TrackingNumber(),
		ActivityName:   log.ActivityName,
		Address:        log.Address,
		ExecutionID:    log.ExecutionID,
		Timestamp:      finished,
		Duration:       finished.Sub(started),
	}

	if outcome.Compensated() {
		if _, err := slip.LastActivityLog(); err != nil {
			return err
		}
		if !slip.HasActivityLogs() {
			if err := lifecycle.FireCtx(ctx, triggerHistoryExhausted); err != nil {
				return err
			}
		}
		event.Kind = EventStepCompensated
		event.State = slip.State()
		*outcomes = append(*outcomes, event)
		return nil
	}

	// The failed log stays in the history: it is part of the uncompensated
	// remainder.
	slip.addException(ActivityException{
		ExecutionID:  log.ExecutionID,
		ActivityName: log.ActivityName,
		Address:      log.Address,
		Direction:    DirectionCompensate,
		Message:      errorMessage(outcome.Err),
		Timestamp:    finished,
	})
	if err := lifecycle.FireCtx(ctx, triggerCompensationFailed); err != nil {
		return err
	}
	event.Kind = EventStepCompensationFailed
	event.State = slip.State()
	event.Err = outcome.Err
	*outcomes = append(*outcomes, event)
	return nil
}

func (e *Engine) execute(ctx context.Context, req ExecuteRequest) ExecutionOutcome {
	ctx, span := e.tracer.Start(ctx, "courier.execute", trace.WithAttributes(
		attribute.String("courier.tracking_number", req.TrackingNumber.String()),
		attribute.String("courier.activity", req.Entry.ActivityName),
		attribute.String("courier.address", req.Entry.Address),
		attribute.String("courier.execution_id", req.ExecutionID.String()),
	))
	defer span.End()

	runner, err := e.resolve(req.Entry.ActivityName)
	var outcome ExecutionOutcome
	if err != nil {
		outcome = faultedOutcome(err)
	} else {
		outcome = runner.Execute(ctx, req)
	}
	span.SetAttributes(attribute.String("courier.outcome", string(outcome.Status)))
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	return outcome
}

// resolve constructs the runner; a panicking activity constructor becomes
// ErrActivityPanicked.
func (e *Engine) resolve(activityName string) (runner ActivityRunner, err error) {
	defer func() {
		if p := recover(); p != nil {
			runner = nil
			err = errors.Wrapf(panicError(p), "construct %q", activityName)
		}
	}()
	return e.resolver.Resolve(activityName)
}

func (e *Engine) compensate(ctx context.Context, req CompensateRequest) CompensationOutcome {
	ctx, span := e.tracer.Start(ctx, "courier.compensate", trace.WithAttributes(
		attribute.String("courier.tracking_number", req.TrackingNumber.String()),
		attribute.String("courier.activity", req.ActivityLog.ActivityName),
		attribute.String("courier.address", req.ActivityLog.Address),
		attribute.String("courier.execution_id", req.ActivityLog.ExecutionID.String()),
	))
	defer span.End()

	runner, err := e.resolve(req.ActivityLog.ActivityName)
	var outcome CompensationOutcome
	if err != nil {
		outcome = failedOutcome(err)
	} else {
		outcome = runner.Compensate(ctx, req)
	}
	span.SetAttributes(attribute.String("courier.outcome", string(outcome.Status)))
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	return outcome
}

// Run steps slip until it reaches a terminal state. Only CompensationFailed
// is escalated as an error (*CompensationFailedError); Completed and Faulted
// are reported through the returned slip.
func (e *Engine) Run(ctx context.Context, slip *RoutingSlip) (*RoutingSlip, error) {
	for !slip.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return slip, err
		}
		if _, err := e.Step(ctx, slip); err != nil {
			return slip, err
		}
	}
	if slip.State() == StateCompensationFailed {
		return slip, NewCompensationFailedError(slip)
	}
	return slip, nil
}

// Resume loads a persisted slip and runs it to a terminal state.
func (e *Engine) Resume(ctx context.Context, trackingNumber TrackingNumber) (*RoutingSlip, error) {
	if e.store == nil {
		return nil, errors.Wrap(ErrInvalidOperation, "resume requires a store")
	}
	slip, err := e.store.Load(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, slip)
}

// Launch persists a new slip and hands it over to the host of its first
// step. A slip with an empty itinerary completes locally.
func (e *Engine) Launch(ctx context.Context, slip *RoutingSlip, transport Transport) error {
	if err := slip.Validate(); err != nil {
		return err
	}
	address := slip.NextAddress()
	if address == "" {
		_, err := e.Run(ctx, slip)
		return err
	}
	if e.store != nil {
		launched, err := e.save(ctx, slip)
		if err != nil {
			return err
		}
		if launched {
			e.logger.DebugContext(ctx, "saga already launched",
				slog.String("tracking_number", slip.TrackingNumber().String()),
			)
			return nil
		}
	}
	e.logger.DebugContext(ctx, "launching saga",
		slog.String("tracking_number", slip.TrackingNumber().String()),
		slog.String("address", address),
	)
	return transport.Deliver(ctx, slip, address)
}

// save persists a slip about to be launched. Re-launching the same version
// after a failed delivery is allowed; launched reports that a host already
// stepped the slip, so it must not be delivered again.
func (e *Engine) save(ctx context.Context, slip *RoutingSlip) (launched bool, err error) {
	err = e.store.Save(ctx, slip)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrStaleRoutingSlip) {
		return false, errors.Wrapf(err, "save routing slip %s", slip.TrackingNumber())
	}
	stored, loadErr := e.store.Load(ctx, slip.TrackingNumber())
	if loadErr != nil {
		return false, errors.Wrapf(loadErr, "load routing slip %s", slip.TrackingNumber())
	}
	if stored.Version() == slip.Version() {
		return false, nil
	}
	return true, nil
}

func (e *Engine) emitTerminal(slip *RoutingSlip, state State) {
	event := Event{
		TrackingNumber: slip.TrackingNumber(),
		State:          state,
	}
	switch state {
	case StateCompleted:
		event.Kind = EventSagaCompleted
	case StateFaulted:
		event.Kind = EventSagaFaulted
	case StateCompensationFailed:
		event.Kind = EventSagaCompensationFailed
		event.Err = NewCompensationFailedError(slip)
	}
	if exceptions := slip.Exceptions(); len(exceptions) > 0 && state != StateCompleted {
		last := exceptions[len(exceptions)-1]
		event.ActivityName = last.ActivityName
		event.Address = last.Address
		event.ExecutionID = last.ExecutionID
	}
	e.emit(event)
}

func (e *Engine) emit(event Event) {
	event.ID = ulid.Make()
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	if err := e.onEvent.Notify(event); err != nil {
		e.logger.Warn("saga event observer failed",
			slog.String("event", string(event.Kind)),
			slog.String("tracking_number", event.TrackingNumber.String()),
			slog.Any("error", err),
		)
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
