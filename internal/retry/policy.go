// Package retry decides whether and when a failed account attempt is
// re-executed, and trips a per-account circuit breaker when failures
// pile up inside a sliding window.
package retry

import (
	"math"
	"time"

	"mail-pipeline-broker/internal/classify"
)

// Policy computes retry eligibility and exponential backoff delays.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Base        float64
	Max         time.Duration
}

// NewPolicy builds a policy, falling back to defaults for zero values.
func NewPolicy(maxAttempts int, initial time.Duration, base float64, max time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if initial <= 0 {
		initial = time.Second
	}
	if base <= 1 {
		base = 2
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	return &Policy{MaxAttempts: maxAttempts, Initial: initial, Base: base, Max: max}
}

// ShouldRetry reports whether another attempt is allowed after the
// given number of completed attempts. Only transient failures retry;
// permanent and unknown categories never do.
func (p *Policy) ShouldRetry(category classify.Category, attempts int) bool {
	if category != classify.Transient {
		return false
	}
	return attempts < p.MaxAttempts
}

// NextDelay returns the backoff before the attempt following the given
// number of completed attempts: initial * base^(attempts-1), capped.
func (p *Policy) NextDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.Initial
	}
	d := float64(p.Initial) * math.Pow(p.Base, float64(attempts-1))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}
