package domain

import "time"

// RetryPolicy drives RetryNode backoff between attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of body executions allowed.
	MaxAttempts int
	// InitialDelay is the sleep before the second attempt.
	InitialDelay time.Duration
	// BackoffFactor multiplies the delay after every failed attempt.
	BackoffFactor float64
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy mirrors the RetryNode config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

// DelayFor returns the sleep preceding the given attempt (1-based). The
// first attempt never sleeps; attempt n sleeps
// initial * factor^(n-2), capped at MaxDelay.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt <= 1 || p.InitialDelay <= 0 {
		return 0
	}
	d := time.Duration(float64(p.InitialDelay) * pow(p.BackoffFactor, float64(attempt-2)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempt exceeds the policy budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
