package relay

import (
	"math/rand"
	"time"
)

const (
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
	backoffJitterFraction = 0.25
)

// retryDelay computes the exponential backoff delay for the given 1-based
// attempt, capped at max, with ±25% jitter so reconnects across many mounts
// do not synchronize.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	if max <= 0 {
		max = defaultRetryMaxDelay
	}

	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	jitter := 1 - backoffJitterFraction + rand.Float64()*2*backoffJitterFraction
	return time.Duration(float64(d) * jitter)
}
