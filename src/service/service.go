// Package service wires the monitoring protocol onto the hub: inbound
// client messages, the producer-facing ingest entry point, and the
// handshake confirmation push.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gridwatch/realtime/src/event"
	"github.com/gridwatch/realtime/src/hub"
	"github.com/gridwatch/realtime/src/snapshot"
	"github.com/gridwatch/realtime/src/types"
	"github.com/rs/zerolog"
)

// Collaborator calls run on connection read goroutines; they are
// deadline-bounded so a slow store or acknowledgment backend cannot
// stall a connection indefinitely.
const (
	ackTimeout      = 5 * time.Second
	snapshotTimeout = 3 * time.Second
)

// Acknowledger is the external alarm collaborator that persists
// acknowledgment records.
type Acknowledger interface {
	Acknowledge(ctx context.Context, alarmID, userID, comment string) error
}

// AcknowledgerFunc adapts a function to the Acknowledger interface.
type AcknowledgerFunc func(ctx context.Context, alarmID, userID, comment string) error

// Acknowledge calls the wrapped function.
func (f AcknowledgerFunc) Acknowledge(ctx context.Context, alarmID, userID, comment string) error {
	return f(ctx, alarmID, userID, comment)
}

// Service provides the monitoring protocol over a hub.
type Service struct {
	hub    *hub.Hub
	store  snapshot.Store
	acker  Acknowledger
	logger zerolog.Logger
}

// New creates the monitoring service and registers its message handlers
// on the hub.
func New(h *hub.Hub, store snapshot.Store, acker Acknowledger, logger zerolog.Logger) *Service {
	s := &Service{
		hub:    h,
		store:  store,
		acker:  acker,
		logger: logger.With().Str("component", "monitoring-service").Logger(),
	}
	h.RegisterHandler(types.MsgSubscribe, s.handleSubscribe)
	h.RegisterHandler(types.MsgUnsubscribe, s.handleUnsubscribe)
	h.RegisterHandler(types.MsgAlarmAcknowledge, s.handleAcknowledge)
	h.RegisterHandler(types.MsgSystemStatus, s.handleSystemStatus)
	h.RegisterHandler(types.MsgPing, s.handlePing)
	return s
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Ingest is the entry point for upstream producers (telemetry ingestion,
// alarm evaluation). The event is validated, snapshotted, and fanned out.
func (s *Service) Ingest(ctx context.Context, ev event.Event) error {
	if err := event.Validate(ev); err != nil {
		s.logger.Error().Err(err).Msg("producer event rejected")
		return err
	}

	// Events arrive in both pointer and value form depending on the
	// producer; snapshot either way.
	switch e := ev.(type) {
	case *event.TelemetryUpdate:
		s.snapshotTelemetry(ctx, e)
	case event.TelemetryUpdate:
		s.snapshotTelemetry(ctx, &e)
	case *event.AlarmRaised:
		s.snapshotAlarm(ctx, e)
	case event.AlarmRaised:
		s.snapshotAlarm(ctx, &e)
	}

	return s.hub.Ingest(ev)
}

func (s *Service) snapshotTelemetry(ctx context.Context, e *event.TelemetryUpdate) {
	if err := s.store.SaveTelemetry(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("element_id", e.ElementID).Msg("telemetry snapshot save failed")
	}
}

func (s *Service) snapshotAlarm(ctx context.Context, e *event.AlarmRaised) {
	if err := s.store.SaveAlarm(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("element_id", e.ElementID).Msg("alarm snapshot save failed")
	}
	s.logger.Warn().
		Str("alarm_id", e.AlarmID).
		Str("element_id", e.ElementID).
		Str("severity", string(e.Severity)).
		Msg(e.Message)
}

// ConfirmConnection pushes the handshake confirmation to a newly
// attached connection.
func (s *Service) ConfirmConnection(connectionID string) {
	info, ok := s.hub.Registry().Get(connectionID)
	if !ok {
		return
	}
	s.hub.SendTo(connectionID, types.Message{
		Type: types.MsgConnectionConfirmed,
		Data: map[string]any{
			"userId":     info.UserID,
			"role":       string(info.Role),
			"serverTime": time.Now().UTC().Format(time.RFC3339),
			"features":   featuresForRole(info.Role),
		},
		Timestamp: time.Now(),
	})
}

// PublishSystemStatus broadcasts the aggregate status to every
// connection on all instances.
func (s *Service) PublishSystemStatus(ctx context.Context) error {
	return s.Ingest(ctx, &event.SystemStatusChanged{Payload: s.statusPayload()})
}

func (s *Service) handleSubscribe(connectionID string, msg types.Message) error {
	elementIDs := stringSlice(msg.Data["elementIds"])
	if len(elementIDs) == 0 {
		return fmt.Errorf("invalid elementIds format")
	}
	updates := parseUpdateTypes(msg.Data["types"])

	if err := s.hub.Registry().Subscribe(connectionID, elementIDs, updates); err != nil {
		return fmt.Errorf("subscription failed: %w", err)
	}

	s.hub.SendTo(connectionID, types.Message{
		Type: types.MsgSubscribed,
		Data: map[string]any{
			"elementIds": elementIDs,
			"types":      updateTypeNames(updates),
		},
		Timestamp: time.Now(),
	})

	s.pushInitialData(connectionID, elementIDs, updates)

	s.logger.Info().
		Str("connection_id", connectionID).
		Int("elements", len(elementIDs)).
		Msg("subscribed")
	return nil
}

func (s *Service) handleUnsubscribe(connectionID string, msg types.Message) error {
	elementIDs := stringSlice(msg.Data["elementIds"])
	if len(elementIDs) == 0 {
		return fmt.Errorf("invalid elementIds format")
	}
	updates := parseUpdateTypes(msg.Data["types"])

	if err := s.hub.Registry().Unsubscribe(connectionID, elementIDs, updates); err != nil {
		return fmt.Errorf("unsubscribe failed: %w", err)
	}

	s.hub.SendTo(connectionID, types.Message{
		Type: types.MsgUnsubscribed,
		Data: map[string]any{
			"elementIds": elementIDs,
			"types":      updateTypeNames(updates),
		},
		Timestamp: time.Now(),
	})
	return nil
}

func (s *Service) handleAcknowledge(connectionID string, msg types.Message) error {
	alarmID, _ := msg.Data["alarmId"].(string)
	if alarmID == "" {
		return fmt.Errorf("alarmId is required")
	}
	comment, _ := msg.Data["comment"].(string)

	info, ok := s.hub.Registry().Get(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", hub.ErrUnknownConnection, connectionID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := s.acker.Acknowledge(ctx, alarmID, info.UserID, comment); err != nil {
		return fmt.Errorf("failed to acknowledge alarm: %w", err)
	}

	return s.Ingest(ctx, &event.AlarmAcknowledged{
		AlarmID:        alarmID,
		AcknowledgedBy: info.UserID,
		AcknowledgedAt: time.Now(),
		Comment:        comment,
	})
}

func (s *Service) handleSystemStatus(connectionID string, _ types.Message) error {
	s.hub.SendTo(connectionID, types.Message{
		Type:      types.MsgSystemStatus,
		Data:      s.statusPayload(),
		Timestamp: time.Now(),
	})
	return nil
}

// handlePing echoes the client timestamp so the client can measure round
// trip time. The liveness refresh already happened in the read pump.
func (s *Service) handlePing(connectionID string, msg types.Message) error {
	data := map[string]any{}
	if ts, ok := msg.Data["timestamp"]; ok {
		data["timestamp"] = ts
	} else {
		data["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.hub.SendTo(connectionID, types.Message{
		Type:      types.MsgPong,
		Data:      data,
		Timestamp: time.Now(),
	})
	return nil
}

// pushInitialData sends the latest snapshot for each newly subscribed
// element so the client is populated before the next live update.
func (s *Service) pushInitialData(connectionID string, elementIDs []string, updates []types.UpdateType) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	wantTelemetry := containsUpdate(updates, types.UpdateTelemetry)
	wantAlarms := containsUpdate(updates, types.UpdateAlarm)

	data := make(map[string]any, len(elementIDs))
	for _, elementID := range elementIDs {
		entry := map[string]any{}
		if wantTelemetry {
			if t, err := s.store.LatestTelemetry(ctx, elementID); err == nil && t != nil {
				entry["telemetry"] = t
			}
		}
		if wantAlarms {
			if alarms, err := s.store.RecentAlarms(ctx, elementID); err == nil && len(alarms) > 0 {
				entry["alarms"] = alarms
			}
		}
		if len(entry) > 0 {
			data[elementID] = entry
		}
	}
	if len(data) == 0 {
		return
	}
	s.hub.SendTo(connectionID, types.Message{
		Type:      types.MsgInitialData,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func (s *Service) statusPayload() map[string]any {
	reg := s.hub.Registry()
	return map[string]any{
		"status":         "operational",
		"connectedUsers": reg.Count(),
		"activeElements": reg.SubscribedElements(),
		"serverTime":     time.Now().UTC().Format(time.RFC3339),
	}
}

func featuresForRole(role types.Role) []string {
	switch role {
	case types.RoleEngineer:
		return []string{"monitoring", "alarms", "dashboard", "simulation", "editing"}
	case types.RoleAdmin:
		return []string{"monitoring", "alarms", "dashboard", "simulation", "editing", "user-management"}
	default:
		return []string{"monitoring", "alarms", "dashboard"}
	}
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// parseUpdateTypes normalizes the requested update types, defaulting to
// all of them when the request names none.
func parseUpdateTypes(v any) []types.UpdateType {
	names := stringSlice(v)
	if len(names) == 0 {
		return types.AllUpdateTypes
	}
	seen := make(map[types.UpdateType]struct{}, len(names))
	var out []types.UpdateType
	for _, name := range names {
		u, ok := types.NormalizeUpdateType(name)
		if !ok {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	if len(out) == 0 {
		return types.AllUpdateTypes
	}
	return out
}

func updateTypeNames(updates []types.UpdateType) []string {
	out := make([]string, 0, len(updates))
	for _, u := range updates {
		out = append(out, string(u))
	}
	return out
}

func containsUpdate(updates []types.UpdateType, u types.UpdateType) bool {
	for _, item := range updates {
		if item == u {
			return true
		}
	}
	return false
}
