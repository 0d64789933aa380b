// Package router turns one inbound event into a delivery plan: the set
// of connections that should receive it and the exact message each one
// gets. Planning is a pure function of the event and the current
// registry snapshot; it performs no I/O.
package router

import (
	"time"

	"github.com/gridwatch/realtime/src/event"
	"github.com/gridwatch/realtime/src/types"
	"github.com/rs/zerolog"
)

// Directory is the registry view the router plans against.
type Directory interface {
	SubscribersOf(elementID string, update types.UpdateType) []string
	IDsWithRole(roles ...types.Role) []string
	AllIDs() []string
}

// Delivery is one planned send: a message bound for one connection.
type Delivery struct {
	ConnectionID string
	Message      types.Message
}

// Router computes delivery plans from routing rules and the directory.
type Router struct {
	dir    Directory
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a router over a directory view.
func New(dir Directory, logger zerolog.Logger) *Router {
	return &Router{
		dir:    dir,
		now:    time.Now,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Plan computes the delivery set for one event. A connection qualifying
// through several rules receives exactly one copy. Malformed events fail
// with ErrInvalidEvent and reach no client.
func (r *Router) Plan(ev event.Event) ([]Delivery, error) {
	if err := event.Validate(ev); err != nil {
		return nil, err
	}

	switch e := ev.(type) {
	case *event.TelemetryUpdate:
		return r.planTelemetry(e), nil
	case event.TelemetryUpdate:
		return r.planTelemetry(&e), nil
	case *event.AlarmRaised:
		return r.planAlarm(e), nil
	case event.AlarmRaised:
		return r.planAlarm(&e), nil
	case *event.AlarmAcknowledged:
		return r.planAck(e), nil
	case event.AlarmAcknowledged:
		return r.planAck(&e), nil
	case *event.SystemStatusChanged:
		return r.planStatus(e), nil
	case event.SystemStatusChanged:
		return r.planStatus(&e), nil
	}
	// Validate accepts only known kinds, so this is unreachable unless a
	// new kind is added without a rule.
	r.logger.Error().Str("kind", string(ev.Kind())).Msg("no routing rule")
	return nil, event.ErrInvalidEvent
}

// planTelemetry targets element subscribers, plus every monitoring-role
// connection when priority is high or critical. Subscribers get
// telemetry:update; override-only targets get telemetry:priority.
func (r *Router) planTelemetry(e *event.TelemetryUpdate) []Delivery {
	data := map[string]any{
		"elementId": e.ElementID,
		"data":      e.Metrics,
		"timestamp": e.Timestamp,
		"priority":  string(e.Priority),
	}

	seen := make(map[string]struct{})
	var plan []Delivery
	for _, id := range r.dir.SubscribersOf(e.ElementID, types.UpdateTelemetry) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		plan = append(plan, r.delivery(id, types.MsgTelemetryUpdate, data))
	}

	if e.Priority == event.PriorityHigh || e.Priority == event.PriorityCritical {
		for _, id := range r.dir.IDsWithRole(types.MonitoringRoles...) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			plan = append(plan, r.delivery(id, types.MsgTelemetryPriority, data))
		}
	}
	return plan
}

// planAlarm broadcasts critical alarms to every monitoring-role
// connection regardless of subscription state. Lesser severities go to
// the element's alarm subscribers only.
func (r *Router) planAlarm(e *event.AlarmRaised) []Delivery {
	data := map[string]any{
		"alarmId":     e.AlarmID,
		"elementId":   e.ElementID,
		"elementType": e.ElementType,
		"alarmType":   e.AlarmType,
		"severity":    string(e.Severity),
		"message":     e.Message,
		"createdAt":   e.CreatedAt,
	}

	if e.Severity == event.SeverityCritical {
		seen := make(map[string]struct{})
		var plan []Delivery
		for _, id := range r.dir.IDsWithRole(types.MonitoringRoles...) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			plan = append(plan, r.delivery(id, types.MsgAlarmCritical, data))
		}
		return plan
	}

	var plan []Delivery
	for _, id := range r.dir.SubscribersOf(e.ElementID, types.UpdateAlarm) {
		plan = append(plan, r.delivery(id, types.MsgAlarmNew, data))
	}
	return plan
}

// planAck targets whoever watches that alarm's lifecycle: subscribers of
// the alarm ID under the alarm update type.
func (r *Router) planAck(e *event.AlarmAcknowledged) []Delivery {
	data := map[string]any{
		"alarmId":        e.AlarmID,
		"acknowledgedBy": e.AcknowledgedBy,
		"acknowledgedAt": e.AcknowledgedAt,
		"comment":        e.Comment,
	}
	var plan []Delivery
	for _, id := range r.dir.SubscribersOf(e.AlarmID, types.UpdateAlarm) {
		plan = append(plan, r.delivery(id, types.MsgAlarmAcknowledged, data))
	}
	return plan
}

// planStatus broadcasts to every connection.
func (r *Router) planStatus(e *event.SystemStatusChanged) []Delivery {
	var plan []Delivery
	for _, id := range r.dir.AllIDs() {
		plan = append(plan, r.delivery(id, types.MsgSystemStatusUpdate, e.Payload))
	}
	return plan
}

func (r *Router) delivery(id, msgType string, data map[string]any) Delivery {
	return Delivery{
		ConnectionID: id,
		Message: types.Message{
			Type:      msgType,
			Data:      data,
			Timestamp: r.now(),
		},
	}
}
