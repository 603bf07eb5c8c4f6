package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/domain"

	redis "github.com/redis/go-redis/v9"
)

// RedisMirror copies cache entries into Redis for readers in other processes.
// Params: redis client, key prefix, entry ttl, and clock for freshness checks.
// Returns: mirror usable as cache Mirror and as read-only cache view.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clock.Clock
}

// NewRedisMirror builds redis mirror.
// Params: client, key prefix, ttl, and clock.
// Returns: mirror or nil when client is nil.
func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration, clk clock.Clock) *RedisMirror {
	if client == nil {
		return nil
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl, clock: clk}
}

func (m *RedisMirror) key(deviceID string) string {
	return m.prefix + domain.NormalizeDeviceID(deviceID)
}

// Write stores entry JSON under prefix+device id.
// Params: context and cache entry.
// Returns: redis error.
func (m *RedisMirror) Write(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode realtime entry: %w", err)
	}
	if err := m.client.Set(ctx, m.key(entry.Sample.DeviceID), payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("write realtime entry: %w", err)
	}
	return nil
}

// Get reads one fresh mirrored entry.
// Params: context, device id, and max age.
// Returns: entry, presence flag, and redis error.
func (m *RedisMirror) Get(ctx context.Context, deviceID string, maxAge time.Duration) (Entry, bool, error) {
	raw, err := m.client.Get(ctx, m.key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read realtime entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode realtime entry: %w", err)
	}
	if !fresh(entry, m.clock.Now(), maxAge) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// GetMany reads fresh mirrored entries in one round trip.
// Params: context, device ids, and max age.
// Returns: entries keyed by normalized device id, or redis error.
func (m *RedisMirror) GetMany(ctx context.Context, deviceIDs []string, maxAge time.Duration) (map[string]Entry, error) {
	out := make(map[string]Entry, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(deviceIDs))
	for i, id := range deviceIDs {
		keys[i] = m.key(id)
	}
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read realtime entries: %w", err)
	}
	now := m.clock.Now()
	for _, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			continue
		}
		if !fresh(entry, now, maxAge) {
			continue
		}
		out[domain.NormalizeDeviceID(entry.Sample.DeviceID)] = entry
	}
	return out, nil
}

// Ping checks redis connectivity for readiness.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
