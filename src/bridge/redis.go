package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gridwatch/realtime/src/event"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisEnvelope wraps an encoded event with the originating instance ID
// so that a node can skip its own published events.
type redisEnvelope struct {
	InstanceID string          `json:"instance_id"`
	Event      json.RawMessage `json:"event"`
}

// RedisBridge relays events between server instances via Redis pub/sub.
type RedisBridge struct {
	client     *redis.Client
	prefix     string
	instanceID string
	hub        IngestTarget
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisBridge creates a bridge over an existing Redis client. The
// client is shared with the snapshot store and session resolver; the
// bridge does not close it.
func NewRedisBridge(client *redis.Client, prefix string, hub IngestTarget, logger zerolog.Logger) *RedisBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBridge{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.New().String(),
		hub:        hub,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the Redis event channel and begins relaying.
func (b *RedisBridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return err
	}

	channel := b.prefix + "events"
	sub := b.client.Subscribe(b.ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info().
		Str("instance_id", b.instanceID).
		Str("channel", channel).
		Msg("redis bridge started")
	return nil
}

// Publish sends an event to all other instances via Redis.
func (b *RedisBridge) Publish(ev event.Event) error {
	encoded, err := event.Encode(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(redisEnvelope{
		InstanceID: b.instanceID,
		Event:      encoded,
	})
	if err != nil {
		return err
	}
	channel := b.prefix + "events"
	return b.client.Publish(b.ctx, channel, data).Err()
}

// Stop unsubscribes and releases the listener. The shared Redis client
// stays open for the other components using it.
func (b *RedisBridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

// Available reports whether the bridge is connected.
func (b *RedisBridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// listen reads envelopes from the Redis subscription and forwards
// non-self events to the local hub.
func (b *RedisBridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRedisMessage(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) handleRedisMessage(msg *redis.Message) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode redis envelope")
		return
	}

	// Skip events that originated from this instance.
	if env.InstanceID == b.instanceID {
		return
	}

	ev, err := event.Decode(env.Event)
	if err != nil {
		b.logger.Error().Err(err).Str("from_instance", env.InstanceID).Msg("invalid relayed event dropped")
		return
	}

	b.logger.Debug().
		Str("from_instance", env.InstanceID).
		Str("kind", string(ev.Kind())).
		Msg("relaying event from redis")

	b.hub.IngestLocal(ev)
}
