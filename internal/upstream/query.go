package upstream

import (
	"context"
	"fmt"
	"slices"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/domain"
)

// RangeSource fetches merged history for one device.
type RangeSource interface {
	HistoryRange(ctx context.Context, deviceID string, start, end time.Time) ([]domain.TelemetrySample, error)
}

// HistoryQuery serves interactive history reads with window defaults and a short cache.
// Params: range source, default lookback, cache ttl, and clock.
// Returns: query helper safe for concurrent use.
type HistoryQuery struct {
	source      RangeSource
	clock       clock.Clock
	defaultBack time.Duration
	cacheTTL    time.Duration
	cache       *TTLCache[string, []domain.TelemetrySample]
}

// NewHistoryQuery builds query helper.
// Params: range source, default lookback hours, cache seconds, and clock.
// Returns: initialized helper.
func NewHistoryQuery(source RangeSource, lastHours, cacheSec int, clk clock.Clock) *HistoryQuery {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if lastHours <= 0 {
		lastHours = 24
	}
	return &HistoryQuery{
		source:      source,
		clock:       clk,
		defaultBack: time.Duration(lastHours) * time.Hour,
		cacheTTL:    time.Duration(cacheSec) * time.Second,
		cache:       NewTTLCache[string, []domain.TelemetrySample](clk.Now),
	}
}

// Window resolves optional bounds into a concrete minute-aligned window.
// Params: optional start and end.
// Returns: start and end with defaults applied, reversed bounds swapped.
func (q *HistoryQuery) Window(start, end *time.Time) (time.Time, time.Time) {
	now := q.clock.Now()
	to := now
	if end != nil {
		to = *end
	}
	from := to.Add(-q.defaultBack)
	if start != nil {
		from = *start
	}
	if from.After(to) {
		from, to = to, from
	}
	return from.Truncate(time.Minute), to.Truncate(time.Minute)
}

// Query returns history for device over resolved window.
// Params: context, device id, and optional bounds.
// Returns: ascending samples or range fetch error.
func (q *HistoryQuery) Query(ctx context.Context, deviceID string, start, end *time.Time) ([]domain.TelemetrySample, error) {
	id := domain.NormalizeDeviceID(deviceID)
	if id == "" {
		return nil, ErrNoDevices
	}
	from, to := q.Window(start, end)
	key := fmt.Sprintf("%s|%d|%d", id, from.Unix(), to.Unix())
	if cached, ok := q.cache.Get(key); ok {
		return slices.Clone(cached), nil
	}
	samples, err := q.source.HistoryRange(ctx, id, from, to)
	if err != nil {
		return nil, err
	}
	q.cache.Set(key, samples, q.cacheTTL)
	q.cache.Prune()
	return slices.Clone(samples), nil
}
