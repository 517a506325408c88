package saga

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// decode converts an opaque payload (arguments, log, variable) into the typed
// value an activity declared. JSON-decoded numbers and strings are converted
// weakly, and TextUnmarshaler targets (time.Time, ulid.ULID, TrackingNumber)
// accept their string forms.
func decode(input any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// encode turns a typed payload into its JSON-normal map form so that it looks
// the same before and after a hop through a transport.
func encode(value any) (map[string]any, error) {
	if value == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "payload is not serializable")
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(err, "payload of type %T is not an object", value)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
