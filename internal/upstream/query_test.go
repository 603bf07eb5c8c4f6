package upstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/domain"
)

type countingRangeSource struct {
	mu    sync.Mutex
	calls []window
	ids   []string
}

func (s *countingRangeSource) HistoryRange(_ context.Context, deviceID string, start, end time.Time) ([]domain.TelemetrySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, window{start: start, end: end})
	s.ids = append(s.ids, deviceID)
	return []domain.TelemetrySample{{DeviceID: deviceID, SampleTs: start.Unix()}}, nil
}

func TestHistoryQueryWindowDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 10, 30, 45, 0, time.UTC)
	query := NewHistoryQuery(&countingRangeSource{}, 0, 25, clock.NewFakeClock(now))

	from, to := query.Window(nil, nil)
	if !to.Equal(time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end %v", to)
	}
	if !from.Equal(time.Date(2026, 3, 3, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", from)
	}

	early := now.Add(-2 * time.Hour)
	from, to = query.Window(&now, &early)
	if !from.Before(to) || !from.Equal(early.Truncate(time.Minute)) {
		t.Fatalf("reversed bounds not swapped: %v %v", from, to)
	}
}

func TestHistoryQueryCachesShortly(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC))
	source := &countingRangeSource{}
	query := NewHistoryQuery(source, 6, 25, clk)
	ctx := context.Background()

	if _, err := query.Query(ctx, " dev-1 ", nil, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	clk.Advance(10 * time.Second)
	if _, err := query.Query(ctx, "DEV-1", nil, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(source.calls) != 1 || source.ids[0] != "DEV-1" {
		t.Fatalf("expected single cached fetch, got %d calls ids=%v", len(source.calls), source.ids)
	}
	if got := source.calls[0].end.Sub(source.calls[0].start); got != 6*time.Hour {
		t.Fatalf("unexpected default lookback %s", got)
	}

	clk.Advance(16 * time.Second)
	if _, err := query.Query(ctx, "DEV-1", nil, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(source.calls) != 2 {
		t.Fatalf("expected refetch after cache expiry, got %d", len(source.calls))
	}

	if _, err := query.Query(ctx, " ", nil, nil); err == nil {
		t.Fatalf("expected error for empty device id")
	}
}

func TestHistoryQueryResultIsCallerOwned(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC))
	query := NewHistoryQuery(&countingRangeSource{}, 6, 25, clk)
	ctx := context.Background()

	first, err := query.Query(ctx, "DEV1", nil, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	first[0].DeviceID = "MUTATED"

	second, err := query.Query(ctx, "DEV1", nil, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if second[0].DeviceID != "DEV1" {
		t.Fatalf("cached result was mutated through caller slice: %+v", second[0])
	}
}
