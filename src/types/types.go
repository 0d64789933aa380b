package types

import "time"

// Role is the authorization context a connection carries for its lifetime.
// It is resolved once at handshake and never re-derived.
type Role string

const (
	RoleOperator Role = "operator"
	RoleEngineer Role = "engineer"
	RoleAdmin    Role = "admin"
	RoleViewer   Role = "viewer"
)

// MonitoringRoles is the authoritative broadcast set for high-priority
// telemetry and critical alarms. Viewers are deliberately excluded.
var MonitoringRoles = []Role{RoleOperator, RoleEngineer, RoleAdmin}

// UpdateType classifies what kind of updates a subscription covers.
type UpdateType string

const (
	UpdateTelemetry UpdateType = "telemetry"
	UpdateAlarm     UpdateType = "alarm"
	UpdateStatus    UpdateType = "status"
)

// AllUpdateTypes is the default set applied when a subscribe request
// does not name any types.
var AllUpdateTypes = []UpdateType{UpdateTelemetry, UpdateAlarm, UpdateStatus}

// NormalizeUpdateType maps client-supplied type names onto the canonical
// set. The dashboard historically sent "alarms" in the plural.
func NormalizeUpdateType(s string) (UpdateType, bool) {
	switch s {
	case "telemetry":
		return UpdateTelemetry, true
	case "alarm", "alarms":
		return UpdateAlarm, true
	case "status":
		return UpdateStatus, true
	}
	return "", false
}

// Message is the wire envelope exchanged over a WebSocket connection,
// in both directions.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Inbound message types accepted from clients.
const (
	MsgSubscribe        = "subscribe:monitoring"
	MsgUnsubscribe      = "unsubscribe:monitoring"
	MsgAlarmAcknowledge = "alarm:acknowledge"
	MsgSystemStatus     = "system:status"
	MsgPing             = "ping"
)

// Outbound message types pushed to clients.
const (
	MsgConnectionConfirmed = "connection:confirmed"
	MsgSubscribed          = "subscribed"
	MsgUnsubscribed        = "unsubscribed"
	MsgInitialData         = "initial:data"
	MsgTelemetryUpdate     = "telemetry:update"
	MsgTelemetryPriority   = "telemetry:priority"
	MsgAlarmNew            = "alarm:new"
	MsgAlarmCritical       = "alarm:critical"
	MsgAlarmAcknowledged   = "alarm:acknowledged"
	MsgSystemStatusUpdate  = "system:status:update"
	MsgUserActivity        = "user:activity"
	MsgPong                = "pong"
	MsgError               = "error"
)

// MessageHandler handles an inbound message from one connection.
type MessageHandler func(connectionID string, msg Message) error

// ConnectionInfo is a point-in-time snapshot of a registered connection,
// safe to hand out without exposing registry internals.
type ConnectionInfo struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Subscriptions  int       `json:"subscriptions"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Pinger is implemented by transports that expose a liveness probe.
// The liveness monitor uses it to confirm a suspect connection before
// evicting it.
type Pinger interface {
	Ping() error
}
