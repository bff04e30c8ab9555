package core

import (
	"math"
	"math/rand"
	"time"
)

// Backoff types understood by RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

const defaultBackoff = 5 * time.Second

// RetryPolicy describes how long to wait between attempts.
type RetryPolicy struct {
	// MaxAttempts bounds the number of attempts; <= 0 means unbounded.
	MaxAttempts        int
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	BackoffCoefficient float64
	BackoffType        string
	Jitter             bool
}

// FixedDelay returns a constant-interval policy with a bounded attempt count.
func FixedDelay(attempts int, delay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: delay,
		BackoffType:     BackoffConstant,
	}
}

// CalculateBackoff returns the delay to wait after the given attempt (1-based).
func CalculateBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return defaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	initial := policy.InitialInterval
	if initial <= 0 {
		initial = defaultBackoff
	}

	var d time.Duration
	switch policy.BackoffType {
	case BackoffLinear:
		d = initial * time.Duration(attempt)
	case BackoffExponential:
		coef := policy.BackoffCoefficient
		if coef <= 0 {
			coef = 2.0
		}
		d = time.Duration(float64(initial) * math.Pow(coef, float64(attempt-1)))
	default:
		d = initial
	}

	if policy.MaxInterval > 0 && d > policy.MaxInterval {
		d = policy.MaxInterval
	}
	if policy.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// Exhausted reports whether attempt has used up the policy's budget.
func (p *RetryPolicy) Exhausted(attempt int) bool {
	if p == nil || p.MaxAttempts <= 0 {
		return false
	}
	return attempt >= p.MaxAttempts
}
