package queue

import (
	"math/rand/v2"
	"time"
)

// RetryDecision is the outcome of the retry policy for a failed attempt.
// When Retry is false the task's attempt budget is exhausted and it must
// transition to the failed state.
type RetryDecision struct {
	Retry bool
	At    time.Time
}

// RetryPolicyOption is a functional option for configuring a retry policy
type RetryPolicyOption func(*RetryPolicy)

// WithBaseDelay sets the delay before the first retry
func WithBaseDelay(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		if d > 0 {
			p.base = d
		}
	}
}

// WithMaxDelay caps the exponential growth of retry delays
func WithMaxDelay(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		if d > 0 {
			p.max = d
		}
	}
}

// WithRandFloat sets the random source used for jitter. The function must
// return values in [0, 1). Tests inject a deterministic source here.
func WithRandFloat(fn func() float64) RetryPolicyOption {
	return func(p *RetryPolicy) {
		if fn != nil {
			p.rnd = fn
		}
	}
}

// RetryPolicy decides whether and when a failed task attempt is retried.
// Delays grow exponentially from the base delay, are capped at the max
// delay, and carry uniform jitter in [0.5, 1.5) of the computed delay to
// avoid thundering-herd re-claims. The policy is pure apart from the
// injected random source: it never touches storage.
type RetryPolicy struct {
	base time.Duration
	max  time.Duration
	rnd  func() float64
}

// NewRetryPolicy creates a retry policy. Defaults: 1s base delay, 5m cap.
func NewRetryPolicy(opts ...RetryPolicyOption) RetryPolicy {
	p := RetryPolicy{
		base: time.Second,
		max:  5 * time.Minute,
		rnd:  rand.Float64,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Delay returns the pre-jitter delay for the given attempt count:
// base * 2^(attemptCount-1), capped at the max delay. Exported so callers
// can reason about expected backoff growth independent of jitter.
func (p RetryPolicy) Delay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	// Shifting past 62 bits overflows time.Duration long before any
	// realistic attempt ceiling; short-circuit to the cap.
	if attemptCount > 32 {
		return p.max
	}
	d := p.base << (attemptCount - 1)
	if d <= 0 || d > p.max {
		return p.max
	}
	return d
}

// Decide maps a failed attempt to its retry decision. attemptCount is the
// number of attempts started so far, including the one that just failed.
// Once attemptCount reaches maxAttempts the budget is exhausted regardless
// of the failure kind.
func (p RetryPolicy) Decide(now time.Time, attemptCount, maxAttempts int) RetryDecision {
	if attemptCount >= maxAttempts {
		return RetryDecision{Retry: false}
	}

	delay := p.Delay(attemptCount)
	jittered := time.Duration((0.5 + p.rnd()) * float64(delay))

	return RetryDecision{
		Retry: true,
		At:    now.Add(jittered),
	}
}
