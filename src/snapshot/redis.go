package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gridwatch/realtime/src/event"
	"github.com/redis/go-redis/v9"
)

const alarmWindow = 50

// RedisStore keeps snapshots in Redis so that every server instance
// serves the same initial data regardless of which one ingested it.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store over an existing Redis client.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) telemetryKey(elementID string) string {
	return s.prefix + "telemetry:" + elementID
}

func (s *RedisStore) alarmsKey(elementID string) string {
	return s.prefix + "alarms:" + elementID
}

// SaveTelemetry replaces the element's latest sample.
func (s *RedisStore) SaveTelemetry(ctx context.Context, ev *event.TelemetryUpdate) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.telemetryKey(ev.ElementID), data, s.ttl).Err()
}

// SaveAlarm pushes the alarm onto the element's recent-alarm list,
// trimmed to a fixed window.
func (s *RedisStore) SaveAlarm(ctx context.Context, ev *event.AlarmRaised) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := s.alarmsKey(ev.ElementID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, alarmWindow-1)
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// LatestTelemetry returns the element's last sample, nil when unknown.
func (s *RedisStore) LatestTelemetry(ctx context.Context, elementID string) (*event.TelemetryUpdate, error) {
	data, err := s.client.Get(ctx, s.telemetryKey(elementID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ev event.TelemetryUpdate
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// RecentAlarms returns the element's recent alarms, newest first.
func (s *RedisStore) RecentAlarms(ctx context.Context, elementID string) ([]event.AlarmRaised, error) {
	items, err := s.client.LRange(ctx, s.alarmsKey(elementID), 0, alarmWindow-1).Result()
	if err != nil {
		return nil, err
	}
	alarms := make([]event.AlarmRaised, 0, len(items))
	for _, item := range items {
		var ev event.AlarmRaised
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		alarms = append(alarms, ev)
	}
	return alarms, nil
}
