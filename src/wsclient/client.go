// Package wsclient implements the monitoring client's connection
// controller: dial, bounded-backoff reconnect, subscription replay, and
// heartbeat with round-trip measurement. Subscription intent is owned by
// the client and survives reconnection; the server keeps nothing across
// a disconnect.
package wsclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gridwatch/realtime/src/types"
	"github.com/rs/zerolog"
)

// ErrMaxReconnectExceeded is the terminal failure surfaced after the
// retry schedule is exhausted.
var ErrMaxReconnectExceeded = errors.New("max reconnect attempts exceeded")

// ErrSessionTerminated is surfaced when the server closed the connection
// deliberately. Auto-reconnect would be wrong: the session was revoked,
// not lost.
var ErrSessionTerminated = errors.New("session terminated by server")

// Dialer establishes one authenticated WebSocket connection.
type Dialer interface {
	Dial(ctx context.Context) (types.Conn, error)
}

// State is the controller's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// DefaultBackoff is the progressive retry schedule. The last entry
// repeats until the attempt cap.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Options tunes the controller.
type Options struct {
	Backoff           []time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	// HealthySession is how long a session must last for the retry
	// counter to reset. Shorter sessions count against the schedule, so
	// a server that accepts and immediately drops cannot cause an
	// unbounded redial storm.
	HealthySession time.Duration
}

func (o *Options) withDefaults() {
	if len(o.Backoff) == 0 {
		o.Backoff = DefaultBackoff
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HealthySession == 0 {
		o.HealthySession = 30 * time.Second
	}
}

type subscriptionKey struct {
	elementID string
	update    types.UpdateType
}

// Controller manages the client side of the monitoring protocol.
type Controller struct {
	dialer Dialer
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     types.Conn
	writeMu  sync.Mutex
	subs     map[subscriptionKey]struct{}
	handlers map[string]func(types.Message)
	onState  func(State)
	latency  time.Duration
	err      error
}

// New creates a controller. Run must be called to connect.
func New(dialer Dialer, opts Options, logger zerolog.Logger) *Controller {
	opts.withDefaults()
	return &Controller{
		dialer:   dialer,
		opts:     opts,
		logger:   logger.With().Str("component", "ws-client").Logger(),
		state:    StateDisconnected,
		subs:     make(map[subscriptionKey]struct{}),
		handlers: make(map[string]func(types.Message)),
	}
}

// OnMessage registers a handler for an inbound message type. Register
// before Run.
func (c *Controller) OnMessage(msgType string, fn func(types.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = fn
}

// OnStateChange registers a state transition callback. Register before Run.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latency returns the last measured heartbeat round-trip time.
func (c *Controller) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// Err returns the terminal error after the controller reached
// StateClosed, nil otherwise.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Run connects and serves the session until the context is cancelled or
// a terminal condition is reached. Unexpected drops reconnect with the
// backoff schedule; a deliberate server close or an exhausted schedule
// ends the run.
func (c *Controller) Run(ctx context.Context) error {
	attempts := 0
	for {
		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.close(nil)
				return ctx.Err()
			}
			attempts++
			if attempts >= c.opts.MaxAttempts {
				c.logger.Error().Int("attempts", attempts).Msg("giving up on reconnection")
				c.close(ErrMaxReconnectExceeded)
				return ErrMaxReconnectExceeded
			}
			delay := c.backoffDelay(attempts)
			c.logger.Info().
				Int("attempt", attempts).
				Dur("retry_in", delay).
				Msg("connection failed, retrying")
			c.setState(StateDisconnected)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.close(nil)
				return ctx.Err()
			}
			continue
		}

		connectedAt := time.Now()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)

		// The server forgot everything about us; replay intent.
		c.replaySubscriptions()

		readErr := c.serve(ctx, conn)
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			c.close(nil)
			return ctx.Err()
		}
		if isServerTerminated(readErr) {
			c.logger.Warn().Msg("server terminated the session")
			c.close(ErrSessionTerminated)
			return ErrSessionTerminated
		}

		// A drop counts against the schedule. Only a session that held
		// long enough proves the server healthy and resets the budget,
		// so a flapping server exhausts the cap instead of triggering an
		// instant-redial storm.
		if time.Since(connectedAt) >= c.opts.HealthySession {
			attempts = 0
		}
		attempts++
		if attempts >= c.opts.MaxAttempts {
			c.logger.Error().Int("attempts", attempts).Msg("giving up on reconnection")
			c.close(ErrMaxReconnectExceeded)
			return ErrMaxReconnectExceeded
		}
		delay := c.backoffDelay(attempts)
		c.logger.Info().
			Err(readErr).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("connection dropped, reconnecting")
		c.setState(StateDisconnected)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.close(nil)
			return ctx.Err()
		}
	}
}

// serve runs the heartbeat and read loop for one connection. Returns the
// read error that ended the session.
func (c *Controller) serve(ctx context.Context, conn types.Conn) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx)

	for {
		var msg types.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.handleMessage(msg)
	}
}

func (c *Controller) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.send(types.Message{
				Type:      types.MsgPing,
				Data:      map[string]any{"timestamp": time.Now().UnixMilli()},
				Timestamp: time.Now(),
			})
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleMessage(msg types.Message) {
	if msg.Type == types.MsgPong {
		if ms, ok := msg.Data["timestamp"].(float64); ok {
			rtt := time.Since(time.UnixMilli(int64(ms)))
			c.mu.Lock()
			c.latency = rtt
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	handler := c.handlers[msg.Type]
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// Subscribe records subscription intent and, when connected, sends the
// subscribe request. Intent is replayed automatically after reconnects.
func (c *Controller) Subscribe(elementIDs []string, updates []types.UpdateType) {
	if len(updates) == 0 {
		updates = types.AllUpdateTypes
	}
	c.mu.Lock()
	for _, el := range elementIDs {
		for _, u := range updates {
			c.subs[subscriptionKey{elementID: el, update: u}] = struct{}{}
		}
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		c.sendSubscribe(elementIDs, updates)
	}
}

// Unsubscribe drops subscription intent and notifies the server when
// connected.
func (c *Controller) Unsubscribe(elementIDs []string, updates []types.UpdateType) {
	if len(updates) == 0 {
		updates = types.AllUpdateTypes
	}
	c.mu.Lock()
	for _, el := range elementIDs {
		for _, u := range updates {
			delete(c.subs, subscriptionKey{elementID: el, update: u})
		}
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return
	}
	c.send(types.Message{
		Type: types.MsgUnsubscribe,
		Data: map[string]any{
			"elementIds": elementIDs,
			"types":      updateNames(updates),
		},
		Timestamp: time.Now(),
	})
}

// AcknowledgeAlarm asks the server to acknowledge an alarm.
func (c *Controller) AcknowledgeAlarm(alarmID, comment string) {
	c.send(types.Message{
		Type:      types.MsgAlarmAcknowledge,
		Data:      map[string]any{"alarmId": alarmID, "comment": comment},
		Timestamp: time.Now(),
	})
}

// RequestSystemStatus asks for the aggregate status snapshot.
func (c *Controller) RequestSystemStatus() {
	c.send(types.Message{Type: types.MsgSystemStatus, Timestamp: time.Now()})
}

// replaySubscriptions re-issues all held subscription intent, grouped by
// update-type set so each element list goes out in one request.
func (c *Controller) replaySubscriptions() {
	c.mu.Lock()
	byElement := make(map[string][]types.UpdateType)
	for key := range c.subs {
		byElement[key.elementID] = append(byElement[key.elementID], key.update)
	}
	c.mu.Unlock()

	if len(byElement) == 0 {
		return
	}

	// Group elements sharing an identical update-type set.
	groups := make(map[string][]string)
	groupUpdates := make(map[string][]types.UpdateType)
	for el, updates := range byElement {
		sig := updateSignature(updates)
		groups[sig] = append(groups[sig], el)
		groupUpdates[sig] = updates
	}
	for sig, elements := range groups {
		c.sendSubscribe(elements, groupUpdates[sig])
	}
}

func (c *Controller) sendSubscribe(elementIDs []string, updates []types.UpdateType) {
	c.send(types.Message{
		Type: types.MsgSubscribe,
		Data: map[string]any{
			"elementIds": elementIDs,
			"types":      updateNames(updates),
		},
		Timestamp: time.Now(),
	})
}

// send writes to the current connection, if any. Writes are serialized;
// the heartbeat and API calls share the transport.
func (c *Controller) send(msg types.Message) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		c.logger.Debug().Err(err).Str("type", msg.Type).Msg("client write failed")
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Controller) close(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.setState(StateClosed)
}

func (c *Controller) backoffDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(c.opts.Backoff) {
		idx = len(c.opts.Backoff) - 1
	}
	return c.opts.Backoff[idx]
}

// isServerTerminated distinguishes a deliberate server-side close from a
// transport-level drop. Normal closure and policy violation are the
// codes the server uses for session termination.
func isServerTerminated(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.ClosePolicyViolation
	}
	return false
}

func updateNames(updates []types.UpdateType) []string {
	out := make([]string, 0, len(updates))
	for _, u := range updates {
		out = append(out, string(u))
	}
	return out
}

func updateSignature(updates []types.UpdateType) string {
	// Small fixed domain; build a canonical signature without sorting.
	var sig string
	for _, u := range types.AllUpdateTypes {
		for _, held := range updates {
			if held == u {
				sig += string(u) + ","
				break
			}
		}
	}
	return sig
}
