package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, CapExponent: 10}

	assert.Equal(t, 500*time.Millisecond, b.Delay(0))
	assert.Equal(t, 500*time.Millisecond, b.Delay(1))
	assert.Equal(t, time.Second, b.Delay(2))
	assert.Equal(t, 2*time.Second, b.Delay(3))
	assert.Equal(t, 16*time.Second, b.Delay(6))
	assert.Equal(t, 30*time.Second, b.Delay(7))
	assert.Equal(t, 30*time.Second, b.Delay(1000))
}

func TestBackoff_NoMax(t *testing.T) {
	b := Backoff{Base: time.Millisecond, CapExponent: 3}
	assert.Equal(t, 8*time.Millisecond, b.Delay(10))
}

func TestJitter_Range(t *testing.T) {
	assert.Equal(t, time.Duration(0), Jitter(0))
	for i := 0; i < 1000; i++ {
		j := Jitter(250 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 250*time.Millisecond)
	}
}

func TestDo_RetriesTransient(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	err := Do(context.Background(), policy, func(err error) bool { return errors.Is(err, transient) }, func() error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0

	err := Do(context.Background(), DefaultPolicy, func(error) bool { return false }, func() error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Second}

	err := Do(ctx, policy, func(error) bool { return true }, func() error {
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
