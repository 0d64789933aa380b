package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gridwatch/realtime/src/types"
)

// Client wraps one WebSocket connection and is the single writer to its
// transport. All deliveries funnel through the buffered Send channel and
// drain via WritePump, which gives per-connection FIFO without any
// cross-connection coordination.
type Client struct {
	ID     string
	conn   types.Conn
	hub    *Hub
	Send   chan types.Message
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewClient creates a client wrapper around an accepted connection.
func NewClient(id string, conn types.Conn, h *Hub) *Client {
	h.mu.RLock()
	buffer := h.sendBuffer
	h.mu.RUnlock()
	return &Client{
		ID:   id,
		conn: conn,
		hub:  h,
		Send: make(chan types.Message, buffer),
		done: make(chan struct{}),
	}
}

// Conn exposes the underlying transport for liveness probing.
func (c *Client) Conn() types.Conn { return c.conn }

// ReadPump reads messages from the WebSocket and forwards them to the
// hub. Every inbound message counts as a liveness signal. Returns when
// the transport fails or closes; a clean client close detaches quietly,
// anything else is an eviction so admins hear about the lost session.
func (c *Client) ReadPump() {
	defer c.conn.Close()

	for {
		var msg types.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if isCleanClose(err) {
				c.hub.Detach(c)
			} else {
				c.hub.Evict(c.ID, "connection lost")
			}
			return
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		c.hub.registry.Touch(c.ID)
		c.hub.dispatch(c.ID, msg)
	}
}

// WritePump drains the send queue to the transport. A write error means
// the peer is gone without a close handshake, so it evicts.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("transport write failed")
				c.hub.Evict(c.ID, "connection lost")
				return
			}
		case <-c.done:
			return
		}
	}
}

// isCleanClose reports whether the read ended with the peer's own close
// handshake rather than a transport failure.
func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

// Close signals the client to stop its pumps. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// trySend queues a message without blocking. Reports false when the
// client is gone or its buffer is full.
func (c *Client) trySend(msg types.Message) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.Send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}
