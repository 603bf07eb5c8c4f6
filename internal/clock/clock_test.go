package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := NewFakeClock(start)
	clk.Advance(90 * time.Second)
	if got := clk.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("unexpected time %s", got)
	}
}

func TestRealClockIsUTC(t *testing.T) {
	t.Parallel()

	if (RealClock{}).Now().Location() != time.UTC {
		t.Fatalf("real clock must return UTC")
	}
}

func TestSinceNeverNegative(t *testing.T) {
	t.Parallel()

	clk := NewFakeClock(time.Unix(100, 0))
	if got := Since(clk, time.Unix(160, 0)); got != 0 {
		t.Fatalf("future instant must clamp to zero, got %s", got)
	}
	clk.Advance(2 * time.Minute)
	if got := Since(clk, time.Unix(100, 0)); got != 2*time.Minute {
		t.Fatalf("unexpected elapsed %s", got)
	}
}

func TestFromUnix(t *testing.T) {
	t.Parallel()

	if _, ok := FromUnix(0); ok {
		t.Fatalf("zero timestamp must be unknown")
	}
	got, ok := FromUnix(1_700_000_000)
	if !ok || !got.Equal(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)) || got.Location() != time.UTC {
		t.Fatalf("unexpected conversion %s %v", got, ok)
	}
}
