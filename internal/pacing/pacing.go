// Package pacing computes the intentional delay between sends that keeps the
// remote network from throttling or blocking sessions.
package pacing

import (
	"math/rand/v2"
	"time"
)

// NextDelay draws base + uniform(0, jitter). Callers draw a fresh delay before
// every attempt, retries included, so retry traffic is paced like first sends.
func NextDelay(base, jitter time.Duration) time.Duration {
	if base < 0 {
		base = 0
	}
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(jitter)+1))
}

// EstimateDuration is the caller-facing completion estimate:
// totalItems * (base + jitter/2) / sessionCount, rounded up to whole seconds.
func EstimateDuration(totalItems, sessionCount int, base, jitter time.Duration) time.Duration {
	if totalItems <= 0 || sessionCount <= 0 {
		return 0
	}
	perItem := base + jitter/2
	total := time.Duration(totalItems) * perItem / time.Duration(sessionCount)
	if rem := total % time.Second; rem != 0 {
		total += time.Second - rem
	}
	return total
}
