package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/domain"
)

// Entry is one cached sample with its arrival time.
type Entry struct {
	ReceivedAt time.Time              `json:"received_at"`
	Sample     domain.TelemetrySample `json:"sample"`
}

// Mirror receives every cache write for out-of-process readers.
type Mirror interface {
	Write(ctx context.Context, entry Entry) error
}

// Cache is process-wide latest-sample map keyed by normalized device id.
// Params: clock for arrival stamps and optional mirror.
// Returns: concurrency-safe cache shared by worker and readers.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   clock.Clock
	mirror  Mirror
	logger  *slog.Logger
}

// NewCache creates empty cache.
// Params: clock, optional mirror, and logger.
// Returns: initialized cache.
func NewCache(clk clock.Clock, mirror Mirror, logger *slog.Logger) *Cache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[string]Entry),
		clock:   clk,
		mirror:  mirror,
		logger:  logger,
	}
}

// Upsert replaces cached sample for its device.
// Params: context for mirror write and sample.
// Returns: none; mirror failures are logged.
func (c *Cache) Upsert(ctx context.Context, sample domain.TelemetrySample) {
	id := domain.NormalizeDeviceID(sample.DeviceID)
	if id == "" {
		return
	}
	sample.DeviceID = id
	entry := Entry{ReceivedAt: c.clock.Now(), Sample: sample}

	c.mu.Lock()
	c.entries[id] = entry
	c.mu.Unlock()

	if c.mirror == nil {
		return
	}
	if err := c.mirror.Write(ctx, entry); err != nil {
		c.logger.Warn("realtime mirror write failed", "device_id", id, "error", err.Error())
	}
}

// Get returns one fresh entry.
// Params: device id and max age (non-positive disables age check).
// Returns: entry and true when present and fresh.
func (c *Cache) Get(deviceID string, maxAge time.Duration) (Entry, bool) {
	id := domain.NormalizeDeviceID(deviceID)
	now := c.clock.Now()
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || !fresh(entry, now, maxAge) {
		return Entry{}, false
	}
	return entry, true
}

// GetMany returns fresh entries for ids, silently omitting stale or absent ones.
// Params: device ids and max age.
// Returns: map keyed by normalized device id.
func (c *Cache) GetMany(deviceIDs []string, maxAge time.Duration) map[string]Entry {
	now := c.clock.Now()
	out := make(map[string]Entry, len(deviceIDs))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, raw := range deviceIDs {
		id := domain.NormalizeDeviceID(raw)
		entry, ok := c.entries[id]
		if !ok || !fresh(entry, now, maxAge) {
			continue
		}
		out[id] = entry
	}
	return out
}

// Len returns number of cached devices.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func fresh(entry Entry, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return now.Sub(entry.ReceivedAt) <= maxAge
}
