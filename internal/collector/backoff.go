package collector

import (
	"math/rand"
	"time"
)

// Backoff computes the per-asset reconnect delay: delay = min(base*2^attempt, max) + jitter(10-30%),
// ported from opcua_client.py's _calculate_retry_delay.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches spec.md §4.1's defaults: base 1s, cap 60s, 5 attempts before quarantine.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 60 * time.Second, MaxAttempts: 5}
}

// Delay returns the backoff duration for the given zero-indexed attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 60 * time.Second
	}

	raw := float64(base) * pow2(attempt)
	if raw > float64(max) {
		raw = float64(max)
	}

	jitterFactor := 0.1 + rand.Float64()*0.2 // 10-30%
	return time.Duration(raw + raw*jitterFactor)
}

func pow2(attempt int) float64 {
	if attempt <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < attempt; i++ {
		result *= 2
	}
	return result
}
