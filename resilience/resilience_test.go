package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := New("test-executor", Config{FailureThreshold: 2, RecoveryTimeout: time.Hour, HalfOpenMax: 1})

	boom := errors.New("boom")
	_ = cb.Execute(func() error { return boom })
	_ = cb.Execute(func() error { return boom })

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb := New("test-executor-2", Config{FailureThreshold: 5, RecoveryTimeout: time.Hour})

	boom := errors.New("boom")
	_ = cb.Execute(func() error { return boom })

	err := cb.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestRegistry_ReturnsSameBreakerForSameName(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	a := reg.For("notehead-extraction")
	b := reg.For("notehead-extraction")
	c := reg.For("per-note-audio-synthesis")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_OnRetryFiresOncePerRetriedAttempt(t *testing.T) {
	var notified []int
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		OnRetry:      func(attempt int, _ error) { notified = append(notified, attempt) },
	}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	// OnRetry fires before the 2nd and 3rd attempts, never after the final success.
	assert.Equal(t, []int{1, 2}, notified)
}

func TestCircuitBreaker_OnTripFiresWhenBreakerOpens(t *testing.T) {
	var tripped string
	cb := New("audio-synth", Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		OnTrip:           func(name string) { tripped = name },
	})

	_ = cb.Execute(func() error { return errors.New("boom") })

	assert.Equal(t, "audio-synth", tripped)
}
