package tremolo

import (
	"time"
)

// RateLimiter is a token bucket that paces byte transfer on one direction
// of one connection. A zero rate disables pacing entirely.
//
// RateLimiter instances MUST NOT be shared across connections and are not
// safe for concurrent use.
type RateLimiter struct {
	rate   float64 // bytes per second
	burst  float64
	tokens float64
	last   time.Time

	// overridable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// NewRateLimiter returns a limiter admitting rate bytes per second with a
// burst of one second's worth. rate <= 0 builds a pass-through limiter.
func NewRateLimiter(rate int) *RateLimiter {
	rl := &RateLimiter{
		now:   time.Now,
		sleep: time.Sleep,
	}
	if rate > 0 {
		rl.rate = float64(rate)
		rl.burst = float64(rate)
		rl.tokens = float64(rate)
		rl.last = time.Now()
	}
	return rl
}

// Unlimited reports whether the limiter admits everything without pacing.
func (rl *RateLimiter) Unlimited() bool {
	return rl.rate <= 0
}

// Wait consumes n tokens, sleeping for the deficit when the bucket cannot
// cover them. The call always admits n in the end.
func (rl *RateLimiter) Wait(n int) {
	if rl.rate <= 0 || n <= 0 {
		return
	}

	rl.refill()

	if rl.tokens >= float64(n) {
		rl.tokens -= float64(n)
		return
	}

	deficit := float64(n) - rl.tokens
	rl.tokens = 0
	rl.sleep(time.Duration(deficit / rl.rate * float64(time.Second)))
	rl.last = rl.now()
}

func (rl *RateLimiter) refill() {
	now := rl.now()
	elapsed := now.Sub(rl.last).Seconds()
	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.burst {
			rl.tokens = rl.burst
		}
	}
	rl.last = now
}
