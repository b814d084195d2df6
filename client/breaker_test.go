package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-datasync/logger"
	"github.com/saiset-co/sai-datasync/types"
)

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker(&types.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		RecoveryTimeout:  10 * time.Second,
		HalfOpenRequests: 2,
	}, logger.NewNop(), "tasks")
	cb.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateBreakerClosed, cb.State())

	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateBreakerClosed, cb.State(), "success resets the failure count")

	cb.RecordFailure()
	assert.Equal(t, StateBreakerOpen, cb.State())
	assert.False(t, cb.CanExecute())

	now = now.Add(10 * time.Second)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "half-open", cb.StateString())

	cb.RecordFailure()
	assert.Equal(t, StateBreakerOpen, cb.State(), "a failed probe reopens the breaker")

	now = now.Add(10 * time.Second)
	assert.True(t, cb.CanExecute())
	cb.RecordSuccess()
	assert.Equal(t, StateBreakerHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, StateBreakerClosed, cb.State())
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(nil, logger.NewNop(), "tasks")

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "disabled", cb.StateString())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(&types.BreakerConfig{Enabled: true, FailureThreshold: 1}, logger.NewNop(), "tasks")

	cb.RecordFailure()
	assert.Equal(t, StateBreakerOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateBreakerClosed, cb.State())
	assert.True(t, cb.CanExecute())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fasthttp.StatusServiceUnavailable, nil))
	assert.True(t, IsRetryable(fasthttp.StatusTooManyRequests, nil))
	assert.False(t, IsRetryable(fasthttp.StatusBadRequest, nil))
	assert.False(t, IsRetryable(fasthttp.StatusOK, nil))
	assert.True(t, IsRetryable(0, fasthttp.ErrDialTimeout))
	assert.False(t, IsRetryable(0, errors.New("malformed url")))
}
