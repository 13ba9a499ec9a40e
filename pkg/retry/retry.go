package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential delays
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	CapExponent int
}

// Delay returns min(Max, Base * 2^min(CapExponent, attempt-1)). Attempts below 1 count as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > b.CapExponent {
		exp = b.CapExponent
	}
	// Keep the shift well inside int64 range
	if exp > 30 {
		exp = 30
	}

	d := b.Base * time.Duration(int64(1)<<uint(exp))
	if b.Max > 0 && (d > b.Max || d < 0) {
		return b.Max
	}
	return d
}

// Jitter returns a uniform random duration in [0, max)
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// RetryPolicy defines how to retry a bounded operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	backoff := Backoff{Base: policy.InitialBackoff, Max: policy.MaxBackoff, CapExponent: policy.MaxAttempts}

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == policy.MaxAttempts {
			return err
		}

		base := backoff.Delay(attempt)
		timer := time.NewTimer(base + Jitter(base/2))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
