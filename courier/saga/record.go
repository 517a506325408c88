package saga

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Record is the serializable form of a RoutingSlip. It can be marshaled to
// JSON (or any self-describing format) for transport and persistence and
// preserves the order of the itinerary and the history.
type Record struct {
	TrackingNumber TrackingNumber      `json:"trackingNumber"`
	CreatedAt      time.Time           `json:"createdAt"`
	State          State               `json:"state"`
	Version        int64               `json:"version"`
	Consumed       int                 `json:"consumed"`
	Itinerary      []ItineraryEntry    `json:"itinerary"`
	ActivityLogs   []ActivityLog       `json:"activityLogs"`
	Variables      Variables           `json:"variables"`
	Exceptions     []ActivityException `json:"exceptions,omitempty"`
}

func (rs *RoutingSlip) ToRecord() Record {
	return Record{
		TrackingNumber: rs.trackingNumber,
		CreatedAt:      rs.createdAt,
		State:          rs.state,
		Version:        rs.version,
		Consumed:       rs.consumed,
		Itinerary:      rs.itinerary.Clone(),
		ActivityLogs:   rs.ActivityLogs(),
		Variables:      rs.variables.Clone(),
		Exceptions:     rs.Exceptions(),
	}
}

// FromRecord restores a RoutingSlip and validates its invariants.
func FromRecord(r Record) (*RoutingSlip, error) {
	rs := &RoutingSlip{
		trackingNumber: r.TrackingNumber,
		createdAt:      r.CreatedAt,
		state:          r.State,
		version:        r.Version,
		consumed:       r.Consumed,
		itinerary:      Itinerary(r.Itinerary).Clone(),
		activityLogs:   make([]ActivityLog, len(r.ActivityLogs)),
		variables:      r.Variables.Clone(),
		exceptions:     make([]ActivityException, len(r.Exceptions)),
	}
	copy(rs.activityLogs, r.ActivityLogs)
	copy(rs.exceptions, r.Exceptions)
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}

// MarshalJSON implements json.Marshaler interface.
func (rs *RoutingSlip) MarshalJSON() ([]byte, error) {
	return json.Marshal(rs.ToRecord())
}

// UnmarshalJSON implements json.Unmarshaler interface.
func (rs *RoutingSlip) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	restored, err := FromRecord(r)
	if err != nil {
		return err
	}
	*rs = *restored
	return nil
}

// Marshal encodes slip as JSON.
func Marshal(slip *RoutingSlip) ([]byte, error) {
	data, err := json.Marshal(slip)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal routing slip %s", slip.TrackingNumber())
	}
	return data, nil
}

// Unmarshal decodes a routing slip produced by Marshal.
func Unmarshal(data []byte) (*RoutingSlip, error) {
	var slip RoutingSlip
	if err := json.Unmarshal(data, &slip); err != nil {
		return nil, errors.Wrap(err, "unmarshal routing slip")
	}
	return &slip, nil
}
