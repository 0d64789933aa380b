package event

import (
	"encoding/json"
	"fmt"
)

// envelope is the JSON framing used when events cross instance
// boundaries through the bridge.
type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes an event with its kind tag.
func Encode(ev Event) ([]byte, error) {
	if err := Validate(ev); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrInvalidEvent, ev.Kind(), err)
	}
	return json.Marshal(envelope{Kind: ev.Kind(), Payload: payload})
}

// Decode parses a tagged event and validates it. Unknown kinds and
// malformed payloads yield ErrInvalidEvent.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrInvalidEvent, err)
	}

	var ev Event
	switch env.Kind {
	case KindTelemetryUpdate:
		ev = &TelemetryUpdate{}
	case KindAlarmRaised:
		ev = &AlarmRaised{}
	case KindAlarmAcknowledged:
		ev = &AlarmAcknowledged{}
	case KindSystemStatusChanged:
		ev = &SystemStatusChanged{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("%w: payload for %s: %v", ErrInvalidEvent, env.Kind, err)
	}
	if err := Validate(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
