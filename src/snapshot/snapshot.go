// Package snapshot caches the latest telemetry sample and recent alarms
// per grid element. New subscribers get this snapshot pushed immediately
// so their dashboard is populated before the next live update arrives.
package snapshot

import (
	"context"

	"github.com/gridwatch/realtime/src/event"
)

// Store holds the latest known data per element.
type Store interface {
	// SaveTelemetry records the latest telemetry sample for an element,
	// replacing any previous one.
	SaveTelemetry(ctx context.Context, ev *event.TelemetryUpdate) error

	// SaveAlarm appends an alarm to the element's recent-alarm window.
	SaveAlarm(ctx context.Context, ev *event.AlarmRaised) error

	// LatestTelemetry returns the last sample for an element, or nil
	// when none is known.
	LatestTelemetry(ctx context.Context, elementID string) (*event.TelemetryUpdate, error)

	// RecentAlarms returns the element's recent alarms, newest first.
	RecentAlarms(ctx context.Context, elementID string) ([]event.AlarmRaised, error)
}
