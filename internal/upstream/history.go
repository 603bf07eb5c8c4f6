package upstream

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"sensoralert/internal/domain"
)

const (
	// MaxHistorySpan is the widest window one history request may cover.
	MaxHistorySpan = 10*24*time.Hour - time.Second
	// MinBisectSpan is the span at or below which failing windows are not split further.
	MinBisectSpan = 24 * time.Hour
)

type windowFetcher func(ctx context.Context, start, end time.Time) ([]domain.TelemetrySample, error)

// rangeFetcher walks a long range in bounded windows and bisects failing ones.
type rangeFetcher struct {
	fetch   windowFetcher
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	calls   int
	samples []domain.TelemetrySample
}

// HistoryRange fetches arbitrary long history by chunking, bisecting, and merging.
// Params: context, device id, and inclusive range bounds.
// Returns: deduplicated ascending samples or first unrecoverable window error.
func (c *Client) HistoryRange(ctx context.Context, deviceID string, start, end time.Time) ([]domain.TelemetrySample, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, ErrNoDevices
	}
	fetcher := &rangeFetcher{
		fetch: func(ctx context.Context, s, e time.Time) ([]domain.TelemetrySample, error) {
			return c.History(ctx, deviceID, s, e)
		},
		delay: time.Duration(c.cfg.HistoryDelayMS) * time.Millisecond,
		sleep: c.sleep,
	}
	samples, err := fetcher.run(ctx, start, end)
	if err != nil {
		c.logger.Warn("history range fetch failed",
			"device_id", deviceID,
			"start", start.Unix(),
			"end", end.Unix(),
			"error", err.Error(),
		)
		return nil, err
	}
	return samples, nil
}

// run fetches [start, end] in consecutive windows.
// Params: context and inclusive bounds.
// Returns: merged samples or error.
func (f *rangeFetcher) run(ctx context.Context, start, end time.Time) ([]domain.TelemetrySample, error) {
	if start.After(end) {
		return nil, ErrInvalidRange
	}
	for cur := start; !cur.After(end); {
		next := cur.Add(MaxHistorySpan)
		if next.After(end) {
			next = end
		}
		if err := f.window(ctx, cur, next); err != nil {
			return nil, err
		}
		cur = next.Add(time.Second)
	}
	return mergeSamples(f.samples), nil
}

// window fetches one window and bisects it on failure while wider than one day.
// Params: context and inclusive window bounds.
// Returns: nil on success, or the window's own failure when any half fails.
func (f *rangeFetcher) window(ctx context.Context, start, end time.Time) error {
	if err := f.pace(ctx); err != nil {
		return err
	}
	samples, err := f.fetch(ctx, start, end)
	if err == nil {
		f.samples = append(f.samples, samples...)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(err, ctxErr)
	}
	if end.Sub(start) <= MinBisectSpan {
		return err
	}

	mid := start.Add(end.Sub(start) / 2).Truncate(time.Second)
	if f.window(ctx, start, mid) != nil {
		return err
	}
	if f.window(ctx, mid.Add(time.Second), end) != nil {
		return err
	}
	return nil
}

// pace waits between consecutive upstream calls.
func (f *rangeFetcher) pace(ctx context.Context) error {
	f.calls++
	if f.calls == 1 || f.delay <= 0 || f.sleep == nil {
		return ctx.Err()
	}
	return f.sleep(ctx, f.delay)
}

type sampleKey struct {
	ts     int64
	subUID int
}

// mergeSamples drops duplicate (timestamp, sub-channel) pairs and sorts ascending.
// Params: samples in fetch order.
// Returns: first occurrence per key, stable-sorted by sample time.
func mergeSamples(samples []domain.TelemetrySample) []domain.TelemetrySample {
	seen := make(map[sampleKey]struct{}, len(samples))
	out := make([]domain.TelemetrySample, 0, len(samples))
	for _, sample := range samples {
		key := sampleKey{ts: sample.SampleTs, subUID: sample.SubChannelKey()}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sample)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SampleTs < out[j].SampleTs
	})
	return out
}
