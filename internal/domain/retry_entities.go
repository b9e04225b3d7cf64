// Package domain defines retry entities governing job retry/backoff and the
// poison-pill escalation path.
package domain

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig defines retry behavior for per-session job processing.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig matches §4.C: attempts = 3, exponential backoff from 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NextDelay computes the delay before attempt number `attempt` (1-indexed,
// the delay preceding that attempt) using an exponential backoff curve built
// with cenkalti/backoff.
func (c RetryConfig) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	if !c.Jitter {
		b.RandomizationFactor = 0
	}
	b.MaxElapsedTime = 0 // never give up on elapsed time; MaxAttempts governs termination

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Exhausted reports whether attemptsMade has reached maxAttempts, the single
// condition that graduates a job to the poison-pill path (§4.C, §7).
func Exhausted(attemptsMade, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryConfig().MaxAttempts
	}
	return attemptsMade >= maxAttempts
}
