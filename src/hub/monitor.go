package hub

import (
	"context"
	"time"

	"github.com/gridwatch/realtime/src/types"
	"github.com/rs/zerolog"
)

// Monitor periodically scans the registry for connections that stopped
// producing liveness signals and evicts them. A suspect connection is
// probed through the transport when it supports that; eviction happens
// when the probe fails or no probe is available.
type Monitor struct {
	hub            *Hub
	interval       time.Duration
	staleThreshold time.Duration
	now            func() time.Time
	logger         zerolog.Logger
}

// NewMonitor creates a liveness monitor. The stale threshold should be a
// small multiple of the expected client heartbeat interval.
func NewMonitor(h *Hub, interval, staleThreshold time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		hub:            h,
		interval:       interval,
		staleThreshold: staleThreshold,
		now:            time.Now,
		logger:         logger.With().Str("component", "liveness-monitor").Logger(),
	}
}

// Run scans on a fixed period until the context is cancelled. Call in a
// goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one scan cycle. Exported so tests and operators can force a
// cycle without waiting for the ticker.
func (m *Monitor) Sweep() {
	now := m.now()
	for _, info := range m.hub.Registry().All() {
		if now.Sub(info.LastActivityAt) <= m.staleThreshold {
			continue
		}
		if m.confirmAlive(info.ID) {
			// Transport answered the probe; treat it as activity.
			m.hub.Registry().Touch(info.ID)
			continue
		}
		m.logger.Info().
			Str("connection_id", info.ID).
			Str("user_id", info.UserID).
			Time("last_activity", info.LastActivityAt).
			Msg("stale connection")
		m.hub.Evict(info.ID, "stale connection")
	}
}

// confirmAlive probes the suspect connection's transport. Returns false
// when the transport offers no probe or the probe fails.
func (m *Monitor) confirmAlive(id string) bool {
	m.hub.mu.RLock()
	c, ok := m.hub.clients[id]
	m.hub.mu.RUnlock()
	if !ok {
		return false
	}
	p, ok := c.Conn().(types.Pinger)
	if !ok {
		return false
	}
	return p.Ping() == nil
}
