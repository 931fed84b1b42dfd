package models

import (
	"math"
	"time"
)

const (
	DefaultMaxAttempts       = 3
	DefaultBackoffBaseMs     = 1000
	DefaultBackoffMultiplier = 2.0

	// MaxBackoff caps the computed retry delay regardless of policy.
	MaxBackoff = 5 * time.Minute
)

// RetryPolicy controls retry behavior for failed step attempts. Policies are
// embedded into the definition at publish time and never read from mutable
// process state, so runs stay reproducible.
type RetryPolicy struct {
	MaxAttempts         int         `json:"max_attempts"               validate:"omitempty,min=1"`
	BackoffBaseMs       int         `json:"backoff_base_ms"            validate:"omitempty,min=0"`
	BackoffMultiplier   float64     `json:"backoff_multiplier"         validate:"omitempty,min=1"`
	RetryableErrorKinds []ErrorKind `json:"retryable_error_kinds,omitempty"`
}

// DefaultRetryPolicy returns the policy applied when a definition declares
// none: three attempts, exponential backoff from one second, retrying
// transient and timeout failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         DefaultMaxAttempts,
		BackoffBaseMs:       DefaultBackoffBaseMs,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		RetryableErrorKinds: []ErrorKind{ErrorKindTransient, ErrorKindTimeout},
	}
}

// Normalized fills zero-valued fields from the defaults.
func (p RetryPolicy) Normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}

	if p.BackoffBaseMs <= 0 {
		p.BackoffBaseMs = defaults.BackoffBaseMs
	}

	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = defaults.BackoffMultiplier
	}

	if len(p.RetryableErrorKinds) == 0 {
		p.RetryableErrorKinds = defaults.RetryableErrorKinds
	}

	return p
}

// Retryable reports whether the policy retries the given error kind.
func (p RetryPolicy) Retryable(kind ErrorKind) bool {
	for _, k := range p.RetryableErrorKinds {
		if k == kind {
			return true
		}
	}

	return false
}

// Delay computes the backoff before re-dispatching after the given attempt
// number (zero-based): backoffBase * multiplier^attempt, capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.BackoffBaseMs) * math.Pow(p.BackoffMultiplier, float64(attempt))

	delay := time.Duration(base) * time.Millisecond
	if delay > MaxBackoff || delay < 0 {
		delay = MaxBackoff
	}

	return delay
}
