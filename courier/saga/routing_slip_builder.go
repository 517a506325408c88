package saga

import (
	"time"

	"github.com/pkg/errors"
)

// RoutingSlipBuilder assembles the itinerary and initial variables of a new
// saga before execution starts.
type RoutingSlipBuilder struct {
	trackingNumber TrackingNumber
	itinerary      Itinerary
	variables      Variables
	err            error
}

func NewRoutingSlipBuilder(trackingNumber TrackingNumber) *RoutingSlipBuilder {
	return &RoutingSlipBuilder{
		trackingNumber: trackingNumber,
		itinerary:      Itinerary{},
		variables:      Variables{},
	}
}

// AddActivity appends a step. arguments may be nil, an Arguments map or any
// JSON-serializable struct.
func (b *RoutingSlipBuilder) AddActivity(activityName, address string, arguments any) *RoutingSlipBuilder {
	args, err := encode(arguments)
	if err != nil {
		b.fail(errors.Wrapf(err, "arguments of %q", activityName))
		return b
	}
	b.itinerary = append(b.itinerary, NewItineraryEntry(activityName, address, args))
	return b
}

func (b *RoutingSlipBuilder) AddEntry(entry ItineraryEntry) *RoutingSlipBuilder {
	return b.AddActivity(entry.ActivityName, entry.Address, entry.Arguments)
}

func (b *RoutingSlipBuilder) AddVariable(name string, value any) *RoutingSlipBuilder {
	b.variables.Set(name, value)
	return b
}

func (b *RoutingSlipBuilder) AddVariables(variables Variables) *RoutingSlipBuilder {
	b.variables.Merge(variables)
	return b
}

func (b *RoutingSlipBuilder) Build() (*RoutingSlip, error) {
	if b.err != nil {
		return nil, b.err
	}
	trackingNumber := b.trackingNumber
	if trackingNumber.IsZero() {
		trackingNumber = NewTrackingNumber()
	}
	slip := newRoutingSlip(trackingNumber, time.Now().UTC(), b.itinerary.Clone(), b.variables.Clone())
	if err := slip.Validate(); err != nil {
		return nil, err
	}
	return slip, nil
}

func (b *RoutingSlipBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}
