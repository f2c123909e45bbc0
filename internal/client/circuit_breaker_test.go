package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	clock := time.Unix(0, 0)
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	cb.now = func() time.Time { return clock }

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "two failures keep the circuit closed")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	t.Run("TrialFails", func(t *testing.T) {
		clock = clock.Add(150 * time.Millisecond)
		assert.True(t, cb.Allow(), "one trial call after the timeout")
		assert.Equal(t, StateHalfOpen, cb.State())
		assert.False(t, cb.Allow(), "only one trial call at a time")

		cb.Failure()
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("TrialSucceeds", func(t *testing.T) {
		clock = clock.Add(150 * time.Millisecond)
		assert.True(t, cb.Allow())
		cb.Success()
		assert.Equal(t, StateClosed, cb.State())
		assert.Zero(t, cb.failures)
	})
}

func TestCircuitBreaker_Do(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	boom := errors.New("boom")

	assert.NoError(t, cb.Do(func() error { return nil }))
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, "open", cb.State().String())
}
