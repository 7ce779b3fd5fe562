package domain

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines engine-level retry behavior for a queue.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig matches the platform defaults: three retries on an
// exponential curve between 2s and 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// BackoffDelay computes the delay before retry attempt n (1-based):
// initialDelay * multiplier^(n-1), clamped to [initialDelay, maxDelay],
// with +/-20% jitter when enabled.
func (c RetryConfig) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(c.InitialDelay)
	d := base * math.Pow(c.Multiplier, float64(attempt-1))
	if d < base {
		d = base
	}
	if max := float64(c.MaxDelay); d > max {
		d = max
	}
	if c.Jitter {
		// spread uniformly over [0.8d, 1.2d]
		d = d * (0.8 + 0.4*rand.Float64())
	}
	return time.Duration(d)
}
