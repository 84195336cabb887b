package backoff

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrySucceedsWithinBudget(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient %d", calls)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	policy := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), policy, func() error {
		calls++
		return fmt.Errorf("always failing")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := Policy{MaxAttempts: 10, BaseDelay: time.Hour}
	calls := 0
	err := Retry(ctx, policy, func() error {
		calls++
		return fmt.Errorf("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	policy := Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, policy.Delay(0))
	assert.Equal(t, 2*time.Second, policy.Delay(1))
	assert.Equal(t, 4*time.Second, policy.Delay(2))
	assert.Equal(t, 5*time.Second, policy.Delay(3))
	assert.Equal(t, 5*time.Second, policy.Delay(10))
}
