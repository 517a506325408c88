package saga

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TrackingNumber identifies one saga instance. It is minted once when the
// routing slip is built and never changes.
type TrackingNumber uuid.UUID

func NewTrackingNumber() TrackingNumber {
	id, err := uuid.NewV7()
	if err != nil {
		return TrackingNumber(uuid.New())
	}
	return TrackingNumber(id)
}

func ParseTrackingNumber(s string) (TrackingNumber, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TrackingNumber{}, errors.Wrapf(err, "invalid tracking number %q", s)
	}
	return TrackingNumber(id), nil
}

func (t TrackingNumber) String() string {
	return uuid.UUID(t).String()
}

func (t TrackingNumber) IsZero() bool {
	return uuid.UUID(t) == uuid.Nil
}

func (t TrackingNumber) MarshalText() ([]byte, error) {
	return uuid.UUID(t).MarshalText()
}

func (t *TrackingNumber) UnmarshalText(data []byte) error {
	var id uuid.UUID
	if err := id.UnmarshalText(data); err != nil {
		return errors.Wrapf(err, "invalid tracking number %q", string(data))
	}
	*t = TrackingNumber(id)
	return nil
}
