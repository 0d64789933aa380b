package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gridwatch/realtime/src/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestTelemetryReplacesPrevious(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, v := range []float64{118, 119.5} {
		require.NoError(t, s.SaveTelemetry(ctx, &event.TelemetryUpdate{
			ElementID: "bus_1",
			Metrics:   map[string]float64{"voltage": v},
			Timestamp: time.Now(),
			Priority:  event.PriorityNormal,
		}))
	}

	latest, err := s.LatestTelemetry(ctx, "bus_1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 119.5, latest.Metrics["voltage"])
}

func TestLatestTelemetryUnknownElement(t *testing.T) {
	s := NewMemoryStore()
	latest, err := s.LatestTelemetry(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRecentAlarmsNewestFirstAndBounded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < alarmWindow+10; i++ {
		require.NoError(t, s.SaveAlarm(ctx, &event.AlarmRaised{
			AlarmID:   fmt.Sprintf("alarm-%d", i),
			ElementID: "line_3",
			AlarmType: "overload",
			Severity:  event.SeverityWarning,
			Message:   "Line overloaded",
			CreatedAt: time.Now(),
		}))
	}

	alarms, err := s.RecentAlarms(ctx, "line_3")
	require.NoError(t, err)
	require.Len(t, alarms, alarmWindow)
	assert.Equal(t, fmt.Sprintf("alarm-%d", alarmWindow+9), alarms[0].AlarmID)
}

func TestRecentAlarmsReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveAlarm(ctx, &event.AlarmRaised{
		AlarmID:   "alarm-1",
		ElementID: "line_3",
		AlarmType: "overload",
		Severity:  event.SeverityWarning,
		Message:   "Line overloaded",
		CreatedAt: time.Now(),
	}))

	alarms, err := s.RecentAlarms(ctx, "line_3")
	require.NoError(t, err)
	alarms[0].AlarmID = "mutated"

	again, err := s.RecentAlarms(ctx, "line_3")
	require.NoError(t, err)
	assert.Equal(t, "alarm-1", again[0].AlarmID)
}
