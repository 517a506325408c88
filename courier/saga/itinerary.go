package saga

import "github.com/pkg/errors"

// Arguments is the argument payload of an itinerary entry. It is opaque to
// the engine; the runner decodes it into the activity's argument type.
type Arguments map[string]any

// ItineraryEntry is one planned step: which activity runs, where it is
// hosted and with which arguments.
type ItineraryEntry struct {
	ActivityName string    `json:"activityName"`
	Address      string    `json:"address"`
	Arguments    Arguments `json:"arguments,omitempty"`
}

func NewItineraryEntry(activityName, address string, arguments Arguments) ItineraryEntry {
	return ItineraryEntry{
		ActivityName: activityName,
		Address:      address,
		Arguments:    arguments,
	}
}

func (e ItineraryEntry) Validate() error {
	if e.ActivityName == "" {
		return errors.Wrap(ErrInvalidRoutingSlip, "itinerary entry without activity name")
	}
	if e.Address == "" {
		return errors.Wrapf(ErrInvalidRoutingSlip, "itinerary entry %q without address", e.ActivityName)
	}
	return nil
}

// Itinerary is the ordered list of pending steps. Its order is the
// execution order and, reversed, the compensation order.
type Itinerary []ItineraryEntry

func (it Itinerary) Validate() error {
	for i, entry := range it {
		if err := entry.Validate(); err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
	}
	return nil
}

func (it Itinerary) Clone() Itinerary {
	clone := make(Itinerary, len(it))
	for i, entry := range it {
		clone[i] = entry
		if entry.Arguments != nil {
			args := make(Arguments, len(entry.Arguments))
			for k, v := range entry.Arguments {
				args[k] = v
			}
			clone[i].Arguments = args
		}
	}
	return clone
}
