package queue

import (
	"math"
	"math/rand"
	"time"
)

// ComputeBackoff returns the delay before retry attempt n (1-indexed)
// under policy p: base * multiplier^(n-1), capped at max_delay, with
// +/- jitter fraction applied. Shared by the queue's own Fail path and
// the dispatcher, which both compute retry delay the same way (spec
// §9's retry policy is a single shared formula, not queue-local).
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	if p.Jitter > 0 {
		spread := delay * p.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
