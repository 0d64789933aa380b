// Package event defines the inbound facts the hub distributes: telemetry
// samples, alarm lifecycle changes, and system status transitions. Events
// are validated once at the ingestion boundary and immutable afterwards.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidEvent marks an event rejected at the ingestion boundary.
// Invalid events are logged and dropped, never delivered.
var ErrInvalidEvent = errors.New("invalid event")

// Kind discriminates the event union.
type Kind string

const (
	KindTelemetryUpdate     Kind = "telemetry_update"
	KindAlarmRaised         Kind = "alarm_raised"
	KindAlarmAcknowledged   Kind = "alarm_acknowledged"
	KindSystemStatusChanged Kind = "system_status_changed"
)

// Priority ranks a telemetry update for routing purposes.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Severity ranks an alarm.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is the tagged union routed by the hub.
type Event interface {
	Kind() Kind
}

// TelemetryUpdate carries a timestamped set of named metrics for one
// grid element.
type TelemetryUpdate struct {
	ElementID string             `json:"element_id" validate:"required"`
	Metrics   map[string]float64 `json:"metrics" validate:"required,min=1"`
	Timestamp time.Time          `json:"timestamp"`
	Priority  Priority           `json:"priority" validate:"required,oneof=normal high critical"`
}

func (TelemetryUpdate) Kind() Kind { return KindTelemetryUpdate }

// AlarmRaised reports an abnormal condition detected on an element.
type AlarmRaised struct {
	AlarmID     string    `json:"alarm_id" validate:"required"`
	ElementID   string    `json:"element_id" validate:"required"`
	ElementType string    `json:"element_type"`
	AlarmType   string    `json:"alarm_type" validate:"required"`
	Severity    Severity  `json:"severity" validate:"required,oneof=info warning critical"`
	Message     string    `json:"message" validate:"required"`
	CreatedAt   time.Time `json:"created_at"`
}

func (AlarmRaised) Kind() Kind { return KindAlarmRaised }

// AlarmAcknowledged records that a user has acknowledged an alarm.
type AlarmAcknowledged struct {
	AlarmID        string    `json:"alarm_id" validate:"required"`
	AcknowledgedBy string    `json:"acknowledged_by" validate:"required"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
	Comment        string    `json:"comment"`
}

func (AlarmAcknowledged) Kind() Kind { return KindAlarmAcknowledged }

// SystemStatusChanged carries an aggregate status payload broadcast to
// every connection.
type SystemStatusChanged struct {
	Payload map[string]any `json:"payload" validate:"required"`
}

func (SystemStatusChanged) Kind() Kind { return KindSystemStatusChanged }

var validate = validator.New()

// Validate checks an event against its field constraints. A nil event or
// a constraint violation yields ErrInvalidEvent.
func Validate(ev Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := validate.Struct(ev); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, ev.Kind(), err)
	}
	return nil
}
