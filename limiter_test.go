package tremolo

import (
	"testing"
	"time"
)

// testClock drives a RateLimiter without real sleeps: Sleep advances the
// clock and records the total requested wait.
type testClock struct {
	now   time.Time
	slept time.Duration
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Sleep(d time.Duration) {
	c.slept += d
	c.now = c.now.Add(d)
}

func newTestLimiter(rate int) (*RateLimiter, *testClock) {
	clock := &testClock{now: time.Unix(1700000000, 0)}

	rl := NewRateLimiter(rate)
	rl.now = clock.Now
	rl.sleep = clock.Sleep
	rl.last = clock.now

	return rl, clock
}

func TestRateLimiterPassThrough(t *testing.T) {
	rl, clock := newTestLimiter(0)

	if !rl.Unlimited() {
		t.Fatal("zero rate limiter reports limited")
	}

	rl.Wait(1 << 30)
	if clock.slept != 0 {
		t.Fatalf("pass-through limiter slept %s", clock.slept)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl, clock := newTestLimiter(1000)

	// one second's worth goes through immediately
	rl.Wait(1000)
	if clock.slept != 0 {
		t.Fatalf("burst-covered wait slept %s", clock.slept)
	}
}

func TestRateLimiterDeficit(t *testing.T) {
	rl, clock := newTestLimiter(1000)

	rl.Wait(1000)
	rl.Wait(500)
	if clock.slept != 500*time.Millisecond {
		t.Fatalf("expected 500ms of pacing, got %s", clock.slept)
	}
}

// Pushing S bytes through a limiter of rate R takes at least (S-burst)/R.
func TestRateLimiterThroughput(t *testing.T) {
	const rate = 1000
	const total = 5000

	rl, clock := newTestLimiter(rate)

	for sent := 0; sent < total; sent += 100 {
		rl.Wait(100)
	}

	min := time.Duration(float64(total-rate) / rate * float64(time.Second))
	if clock.slept < min {
		t.Fatalf("%d bytes at %d B/s paced only %s, want at least %s",
			total, rate, clock.slept, min)
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clock := newTestLimiter(1000)

	rl.Wait(1000)

	// tokens for 500 bytes accumulate over half a second of idleness
	clock.now = clock.now.Add(500 * time.Millisecond)
	rl.Wait(500)
	if clock.slept != 0 {
		t.Fatalf("refilled wait slept %s", clock.slept)
	}
}
