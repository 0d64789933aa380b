package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsNil(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), ErrInvalidEvent)
}

func TestValidateTelemetry(t *testing.T) {
	ok := &TelemetryUpdate{
		ElementID: "bus_1",
		Metrics:   map[string]float64{"voltage": 118.4},
		Timestamp: time.Now(),
		Priority:  PriorityNormal,
	}
	assert.NoError(t, Validate(ok))

	assert.ErrorIs(t, Validate(&TelemetryUpdate{
		Metrics:  map[string]float64{"voltage": 118.4},
		Priority: PriorityNormal,
	}), ErrInvalidEvent, "missing element id")

	assert.ErrorIs(t, Validate(&TelemetryUpdate{
		ElementID: "bus_1",
		Metrics:   map[string]float64{},
		Priority:  PriorityNormal,
	}), ErrInvalidEvent, "empty metrics")

	assert.ErrorIs(t, Validate(&TelemetryUpdate{
		ElementID: "bus_1",
		Metrics:   map[string]float64{"voltage": 118.4},
		Priority:  "urgent",
	}), ErrInvalidEvent, "unknown priority")
}

func TestValidateAlarm(t *testing.T) {
	ok := &AlarmRaised{
		AlarmID:   "alarm-1",
		ElementID: "line_3",
		AlarmType: "overload",
		Severity:  SeverityWarning,
		Message:   "Line overloaded",
	}
	assert.NoError(t, Validate(ok))

	bad := *ok
	bad.Severity = "catastrophic"
	assert.ErrorIs(t, Validate(&bad), ErrInvalidEvent)
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	ts := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	ev := &TelemetryUpdate{
		ElementID: "gen_2",
		Metrics:   map[string]float64{"output_mw": 412.5, "frequency": 49.98},
		Timestamp: ts,
		Priority:  PriorityHigh,
	}

	data, err := Encode(ev)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	got, ok := decoded.(*TelemetryUpdate)
	require.True(t, ok)
	assert.Equal(t, ev.ElementID, got.ElementID)
	assert.Equal(t, ev.Metrics, got.Metrics)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, PriorityHigh, got.Priority)
}

func TestEncodeRejectsInvalidEvent(t *testing.T) {
	_, err := Encode(&AlarmRaised{AlarmID: "alarm-1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"weather_report","payload":{}}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = Decode([]byte(`{"kind":"alarm_raised","payload":{"alarm_id":123}}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDecodeValidatesPayload(t *testing.T) {
	// Well formed JSON, but the acknowledgment is missing its actor.
	_, err := Decode([]byte(`{"kind":"alarm_acknowledged","payload":{"alarm_id":"alarm-1"}}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestKindTags(t *testing.T) {
	assert.Equal(t, KindTelemetryUpdate, TelemetryUpdate{}.Kind())
	assert.Equal(t, KindAlarmRaised, AlarmRaised{}.Kind())
	assert.Equal(t, KindAlarmAcknowledged, AlarmAcknowledged{}.Kind())
	assert.Equal(t, KindSystemStatusChanged, SystemStatusChanged{}.Kind())
}
