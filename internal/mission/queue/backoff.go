package queue

import (
	"math/rand"
	"time"
)

const (
	// BackoffBase is the first retry delay.
	BackoffBase = 1000 * time.Millisecond
	// BackoffMax caps the exponential growth.
	BackoffMax = 60000 * time.Millisecond
)

// CalculateBackoff returns min(base * 2^retryCount, max) jittered by ±25%.
// Jitter spreads retries from missions that failed together.
func CalculateBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = BackoffBase
	}
	if max <= 0 {
		max = BackoffMax
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}
