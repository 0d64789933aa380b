package snapshot

import (
	"context"
	"sync"

	"github.com/gridwatch/realtime/src/event"
)

// MemoryStore is an in-process Store for tests and single-instance
// deployments without Redis.
type MemoryStore struct {
	mu        sync.RWMutex
	telemetry map[string]event.TelemetryUpdate
	alarms    map[string][]event.AlarmRaised
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		telemetry: make(map[string]event.TelemetryUpdate),
		alarms:    make(map[string][]event.AlarmRaised),
	}
}

// SaveTelemetry replaces the element's latest sample.
func (s *MemoryStore) SaveTelemetry(_ context.Context, ev *event.TelemetryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry[ev.ElementID] = *ev
	return nil
}

// SaveAlarm prepends the alarm to the element's window.
func (s *MemoryStore) SaveAlarm(_ context.Context, ev *event.AlarmRaised) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alarms := append([]event.AlarmRaised{*ev}, s.alarms[ev.ElementID]...)
	if len(alarms) > alarmWindow {
		alarms = alarms[:alarmWindow]
	}
	s.alarms[ev.ElementID] = alarms
	return nil
}

// LatestTelemetry returns the element's last sample, nil when unknown.
func (s *MemoryStore) LatestTelemetry(_ context.Context, elementID string) (*event.TelemetryUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.telemetry[elementID]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

// RecentAlarms returns the element's recent alarms, newest first.
func (s *MemoryStore) RecentAlarms(_ context.Context, elementID string) ([]event.AlarmRaised, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.AlarmRaised, len(s.alarms[elementID]))
	copy(out, s.alarms[elementID])
	return out, nil
}
