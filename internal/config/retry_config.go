// Package config defines retry configuration derived from env values.
package config

import (
	"time"
)

// RetryConfig holds job-level retry configuration. The worker maps it onto
// the domain retry policy, which adds the retryable-error taxonomy.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
	// InitialDelay is the initial delay before first retry
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd
	Jitter bool
}

// GetRetryConfig returns the job retry configuration.
func (c Config) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   c.RetryMaxRetries,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryJitter,
	}
}
