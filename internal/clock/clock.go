package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
type RealClock struct{}

// Now returns current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns time elapsed on clk since t.
// Params: clock and earlier instant.
// Returns: non-negative duration.
func Since(clk Clock, t time.Time) time.Duration {
	elapsed := clk.Now().Sub(t)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// FromUnix converts upstream epoch seconds into UTC time.
// Params: unix seconds; zero or negative means unknown.
// Returns: UTC time and false for unknown timestamps.
func FromUnix(seconds int64) (time.Time, bool) {
	if seconds <= 0 {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}
