package task

import (
	"math"
	"math/rand"
	"time"
)

// Clock is a minimal time source, injectable so the poller and sweeper
// can be tested without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the wall clock in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// BackoffPolicy generates exponentially growing delays with optional
// jitter, capped at Max. The zero value is not usable; construct with
// DefaultBackoffPolicy or fill all fields.
type BackoffPolicy struct {
	// Initial is the delay for attempt 0.
	Initial time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Factor is the exponential growth factor between attempts.
	Factor float64

	// Jitter is the fraction of the delay randomized around the computed
	// value, in [0, 1). 0.25 means the delay varies by ±25%. Zero
	// disables jitter, which keeps tests deterministic.
	Jitter float64
}

// DefaultBackoffPolicy matches the provider's observed behavior: polls
// start a few seconds apart and back off to at most a minute.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial: 3 * time.Second,
		Max:     60 * time.Second,
		Factor:  2,
		Jitter:  0.25,
	}
}

// Delay returns the backoff delay for a 0-based attempt number.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.Initial) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter > 0 {
		// Spread the delay uniformly across [d*(1-j), d*(1+j)].
		d = d * (1 - p.Jitter + 2*p.Jitter*rand.Float64())
		if d > float64(p.Max) {
			d = float64(p.Max)
		}
	}

	return time.Duration(d)
}
