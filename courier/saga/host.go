package saga

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

// TerminalHandler receives every routing slip that reached a terminal state
// so that the final outcome is always reported to the initiator.
type TerminalHandler func(ctx context.Context, slip *RoutingSlip) error

type HostOption func(*ActivityHost)

func WithTerminalHandler(handler TerminalHandler) HostOption {
	return func(h *ActivityHost) {
		h.onTerminal = handler
	}
}

func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *ActivityHost) {
		h.logger = logger
	}
}

// ActivityHost is the processing location bound to one address. It owns the
// routing slips delivered to that address: it performs one step and forwards
// the slip to the address of the next step (forward or backward path).
type ActivityHost struct {
	address    string
	engine     *Engine
	transport  Transport
	onTerminal TerminalHandler
	logger     *slog.Logger
}

func NewActivityHost(address string, engine *Engine, transport Transport, opts ...HostOption) *ActivityHost {
	h := &ActivityHost{
		address:   address,
		engine:    engine,
		transport: transport,
		logger:    engine.Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *ActivityHost) Address() string {
	return h.address
}

// Accept accepts and processes a routing slip if address matches this host.
// Returns true if the slip was accepted, false otherwise.
func (h *ActivityHost) Accept(ctx context.Context, address string, slip *RoutingSlip) (bool, error) {
	if address != h.address {
		return false, nil
	}
	return true, h.Process(ctx, slip)
}

// Process performs one step of slip and hands it over to the next address.
// A redelivered copy whose step is already persisted is not stepped again:
// the host repeats the hand-over of the persisted slip when it is the direct
// successor of the copy (or terminal) and drops the copy otherwise.
func (h *ActivityHost) Process(ctx context.Context, slip *RoutingSlip) error {
	logger := h.logger.With(
		slog.String("address", h.address),
		slog.String("tracking_number", slip.TrackingNumber().String()),
	)

	if slip.IsTerminal() {
		return h.report(ctx, slip)
	}
	if next := slip.NextAddress(); next != h.address {
		return errors.Wrapf(ErrMisrouted, "slip %s expects %q, host is %q", slip.TrackingNumber(), next, h.address)
	}

	stored, err := h.stored(ctx, slip)
	if err != nil {
		return err
	}
	if stored != nil && stored.Version() > slip.Version() {
		// The step is already persisted. If the hand-over that followed it may
		// not have happened, finish it from the stored slip.
		if stored.IsTerminal() || stored.Version() == slip.Version()+1 {
			logger.Warn("resuming hand-over of redelivered routing slip",
				slog.Int64("version", slip.Version()),
				slog.Int64("stored_version", stored.Version()),
			)
			return h.forward(ctx, stored)
		}
		logger.Warn("dropping redelivered routing slip", slog.Int64("version", slip.Version()))
		return nil
	}

	t, err := h.engine.Step(ctx, slip)
	if err != nil {
		if errors.Is(err, ErrStaleRoutingSlip) {
			logger.Warn("routing slip was processed concurrently", slog.Any("error", err))
			return nil
		}
		return err
	}
	logger.Debug("routing slip stepped",
		slog.String("activity", t.ActivityName),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
	)

	return h.forward(ctx, slip)
}

func (h *ActivityHost) forward(ctx context.Context, slip *RoutingSlip) error {
	// Steps that need no activity (e.g. Compensating with an empty history)
	// run right here.
	for !slip.IsTerminal() && slip.NextAddress() == "" {
		if _, err := h.engine.Step(ctx, slip); err != nil {
			return err
		}
	}
	if slip.IsTerminal() {
		return h.report(ctx, slip)
	}
	return h.transport.Deliver(ctx, slip, slip.NextAddress())
}

// stored returns the persisted copy of slip, or nil without a store or when
// nothing was saved yet.
func (h *ActivityHost) stored(ctx context.Context, slip *RoutingSlip) (*RoutingSlip, error) {
	store := h.engine.Store()
	if store == nil {
		return nil, nil
	}
	stored, err := store.Load(ctx, slip.TrackingNumber())
	if errors.Is(err, ErrRoutingSlipNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (h *ActivityHost) report(ctx context.Context, slip *RoutingSlip) error {
	h.logger.Info("saga finished",
		slog.String("tracking_number", slip.TrackingNumber().String()),
		slog.String("state", string(slip.State())),
	)
	if h.onTerminal == nil {
		return nil
	}
	return h.onTerminal(ctx, slip)
}
