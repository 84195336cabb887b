// Package backoff provides bounded exponential retry used by the queue,
// artifact and event shims. Transient errors are retried locally; exhaustion
// surfaces to the caller.
package backoff

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`

	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration `json:"baseDelay" yaml:"baseDelay"`

	// Multiplier scales the delay after each attempt; values <= 1 fall back
	// to 2.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// MaxDelay caps the delay between attempts. Zero means uncapped.
	MaxDelay time.Duration `json:"maxDelay" yaml:"maxDelay"`
}

// DefaultPolicy returns the policy used by the boundary shims.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait before attempt n (0-based counting of failures).
func (p Policy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := p.BaseDelay
	for i := 0; i < n; i++ {
		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Retry invokes fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The last error is returned on exhaustion.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}
	return err
}
