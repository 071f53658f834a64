package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatalf("4th event inside the window should be rejected")
	}
	// The first event leaves the window at base+1s.
	if !rl.Allow(base.Add(1000 * time.Millisecond)) {
		t.Fatalf("event after the oldest expired should be allowed")
	}
	if rl.Allow(base.Add(1050 * time.Millisecond)) {
		t.Fatalf("window is full again")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("unexpected defaults: limit=%d window=%s", len(rl.ring), rl.window)
	}
}
