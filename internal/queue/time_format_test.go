package queue

import (
	"testing"
	"time"
)

// Timestamps are compared as strings in SQL, so the stored form must sort
// the way the times do — including within a single second.
func TestFormatTimeOrdersLexicographically(t *testing.T) {
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(time.Nanosecond),
		base.Add(500 * time.Millisecond),
		base.Add(999999999 * time.Nanosecond),
		base.Add(time.Second),
		base.Add(time.Minute),
	}

	width := len(formatTime(base))
	for i, a := range times {
		for j, b := range times {
			fa, fb := formatTime(a), formatTime(b)
			if len(fa) != width || len(fb) != width {
				t.Fatalf("uneven widths: %q (%d) vs %q (%d)", fa, len(fa), fb, len(fb))
			}
			if a.Before(b) != (fa < fb) {
				t.Fatalf("order diverges for times[%d]=%q and times[%d]=%q", i, fa, j, fb)
			}
		}
	}
}

func TestFormatTimeRoundTrips(t *testing.T) {
	ts := time.Date(2026, 8, 31, 12, 0, 0, 500_000_000, time.UTC)
	parsed, err := parseTimeString(formatTime(ts))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Fatalf("round trip %v != %v", parsed, ts)
	}
}
