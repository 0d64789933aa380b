package hub

import (
	"sync"
	"time"

	"github.com/gridwatch/realtime/src/event"
	"github.com/gridwatch/realtime/src/router"
	"github.com/gridwatch/realtime/src/types"
	"github.com/rs/zerolog"
)

// EventBridge publishes ingested events to other server instances.
// Defined here to avoid circular imports with the bridge package.
type EventBridge interface {
	Publish(ev event.Event) error
	Available() bool
}

// Hub owns the registry/index pair and the set of live client wrappers,
// and runs the fan-out loop. Producers call Ingest with a fully formed
// event; the planner computes the target set; the hub hands each
// delivery to the target's send queue. A failed delivery affects only
// that connection.
type Hub struct {
	registry *Registry
	planner  *router.Router
	clients  map[string]*Client

	events      chan event.Event
	localEvents chan event.Event // events from the bridge, no re-publish

	handlers map[string]types.MessageHandler

	bridge     EventBridge
	sendBuffer int
	mu         sync.RWMutex
	logger     zerolog.Logger
	done       chan struct{}
}

// New creates a hub over the given registry and routing planner.
func New(reg *Registry, planner *router.Router, logger zerolog.Logger) *Hub {
	return &Hub{
		registry:    reg,
		planner:     planner,
		clients:     make(map[string]*Client),
		events:      make(chan event.Event, 256),
		localEvents: make(chan event.Event, 256),
		handlers:    make(map[string]types.MessageHandler),
		sendBuffer:  256,
		logger:      logger.With().Str("component", "hub").Logger(),
		done:        make(chan struct{}),
	}
}

// Registry exposes the connection registry for collaborators that need
// snapshots (liveness monitor, status service, info endpoint).
func (h *Hub) Registry() *Registry { return h.registry }

// SetSendBuffer overrides the per-connection outbound queue length for
// clients created afterwards.
func (h *Hub) SetSendBuffer(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > 0 {
		h.sendBuffer = n
	}
}

// SetBridge attaches a cross-instance event bridge. When set, ingested
// events are also forwarded to peer instances.
func (h *Hub) SetBridge(b EventBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// RegisterHandler registers a handler for an inbound message type.
func (h *Hub) RegisterHandler(msgType string, handler types.MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// Run starts the fan-out loop. Call in a goroutine. The loop only
// drains the event queues; inbound handlers run on their connection's
// read goroutine, so a handler that ingests follow-up events can never
// wedge the loop against its own queue.
func (h *Hub) Run() {
	for {
		select {
		case ev := <-h.events:
			h.publishToBridge(ev)
			h.fanOut(ev)
		case ev := <-h.localEvents:
			h.fanOut(ev)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop.
func (h *Hub) Stop() {
	close(h.done)
}

// Attach registers a client under its handshake identity. Fails with
// ErrDuplicateConnection if the ID is already in use; the caller must
// close the transport in that case.
func (h *Hub) Attach(c *Client, userID string, role types.Role) error {
	if _, err := h.registry.Register(c.ID, userID, role); err != nil {
		return err
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.logger.Info().
		Str("connection_id", c.ID).
		Str("user_id", userID).
		Str("role", string(role)).
		Msg("connection registered")
	return nil
}

// Detach removes a client after its transport closed. Idempotent: the
// second caller (read pump vs write pump) finds nothing to do.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	h.mu.Unlock()

	h.registry.Remove(c.ID)
	c.Close()
	h.logger.Info().Str("connection_id", c.ID).Msg("connection removed")
}

// Evict removes a connection the server gave up on (stale, delivery
// failure) and tells admin connections why. A failed send racing an
// eviction simply finds the client gone.
func (h *Hub) Evict(id, reason string) {
	info, ok := h.registry.Get(id)
	if !ok {
		return
	}

	h.mu.Lock()
	c := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	h.registry.Remove(id)
	if c != nil {
		c.Close()
		c.Conn().Close()
	}
	h.logger.Warn().
		Str("connection_id", id).
		Str("user_id", info.UserID).
		Str("reason", reason).
		Msg("connection evicted")

	h.NotifyRole(types.RoleAdmin, types.Message{
		Type: types.MsgUserActivity,
		Data: map[string]any{
			"userId":   info.UserID,
			"activity": "connection_lost",
			"reason":   reason,
		},
		Timestamp: time.Now(),
	})
}

// Ingest validates an event and queues it for fan-out and bridge
// publication. Invalid events are dropped here, at the boundary.
func (h *Hub) Ingest(ev event.Event) error {
	if err := event.Validate(ev); err != nil {
		h.logger.Error().Err(err).Msg("event rejected")
		return err
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return nil
	}
}

// IngestLocal queues an event received from the bridge for local fan-out
// only. Not re-published, preventing relay loops.
func (h *Hub) IngestLocal(ev event.Event) {
	select {
	case h.localEvents <- ev:
	case <-h.done:
	}
}

// SendTo queues a message for one connection. Reports false if the
// connection is gone or its buffer is full.
func (h *Hub) SendTo(id string, msg types.Message) bool {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.trySend(msg)
}

// NotifyRole fans a message out to every connection holding the role.
func (h *Hub) NotifyRole(role types.Role, msg types.Message) {
	for _, id := range h.registry.IDsWithRole(role) {
		if !h.SendTo(id, msg) {
			h.logger.Debug().Str("connection_id", id).Msg("role notification dropped")
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	return h.registry.Count()
}

// dispatch runs the handler for an inbound message on the calling read
// goroutine. A slow handler stalls only its own connection.
func (h *Hub) dispatch(connectionID string, msg types.Message) {
	h.mu.RLock()
	handler, ok := h.handlers[msg.Type]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug().Str("type", msg.Type).Msg("no handler")
		h.SendTo(connectionID, types.Message{
			Type:      types.MsgError,
			Data:      map[string]any{"message": "unsupported message type: " + msg.Type},
			Timestamp: time.Now(),
		})
		return
	}
	if err := handler(connectionID, msg); err != nil {
		h.logger.Error().Err(err).
			Str("type", msg.Type).
			Str("connection_id", connectionID).
			Msg("handler error")
		h.SendTo(connectionID, types.Message{
			Type:      types.MsgError,
			Data:      map[string]any{"message": err.Error()},
			Timestamp: time.Now(),
		})
	}
}

// fanOut plans the event and hands each delivery to its target's send
// queue. A full buffer evicts that connection; other targets are
// unaffected.
func (h *Hub) fanOut(ev event.Event) {
	plan, err := h.planner.Plan(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("routing failed, event dropped")
		return
	}

	var evicted []string
	for _, d := range plan {
		h.mu.RLock()
		c, ok := h.clients[d.ConnectionID]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		if !c.trySend(d.Message) {
			h.logger.Warn().Str("connection_id", d.ConnectionID).Msg("send buffer full, evicting")
			evicted = append(evicted, d.ConnectionID)
		}
	}
	for _, id := range evicted {
		h.Evict(id, "send buffer overflow")
	}
}

func (h *Hub) publishToBridge(ev event.Event) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(ev); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}
