package saga

import "context"

// Store persists routing slips between steps. Implementations keep only the
// newest version of a slip: Save fails with ErrStaleRoutingSlip when the
// stored version is not older than the given one.
type Store interface {
	Save(ctx context.Context, slip *RoutingSlip) error
	// Load returns ErrRoutingSlipNotFound for unknown tracking numbers.
	Load(ctx context.Context, trackingNumber TrackingNumber) (*RoutingSlip, error)
	FindByState(ctx context.Context, state State) ([]*RoutingSlip, error)
}

// Transport hands a routing slip over to the host at address. After a
// successful Deliver the caller must not touch the slip anymore.
type Transport interface {
	Deliver(ctx context.Context, slip *RoutingSlip, address string) error
}

type TransportFunc func(ctx context.Context, slip *RoutingSlip, address string) error

func (f TransportFunc) Deliver(ctx context.Context, slip *RoutingSlip, address string) error {
	return f(ctx, slip, address)
}
