package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/types"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultHalfOpenRequests = 1
)

type BreakerState int32

const (
	StateBreakerClosed BreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
)

// CircuitBreaker stops calls to a remote API after FailureThreshold
// consecutive failures and lets traffic through again once RecoveryTimeout
// has passed and HalfOpenRequests probes succeeded.
type CircuitBreaker struct {
	config    types.BreakerConfig
	logger    types.Logger
	name      string
	now       func() time.Time
	state     atomic.Value
	failures  atomic.Int32
	successes atomic.Int32
	lastFail  atomic.Int64
	mutex     sync.RWMutex
}

// NewCircuitBreaker returns a breaker for the named service. A nil or
// disabled config yields a breaker that always allows calls.
func NewCircuitBreaker(config *types.BreakerConfig, logger types.Logger, name string) *CircuitBreaker {
	cb := &CircuitBreaker{
		logger: logger,
		name:   name,
		now:    time.Now,
	}

	if config != nil {
		cb.config = *config
	}
	if cb.config.FailureThreshold <= 0 {
		cb.config.FailureThreshold = DefaultFailureThreshold
	}
	if cb.config.RecoveryTimeout <= 0 {
		cb.config.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cb.config.HalfOpenRequests <= 0 {
		cb.config.HalfOpenRequests = DefaultHalfOpenRequests
	}

	cb.state.Store(StateBreakerClosed)
	return cb
}

func (cb *CircuitBreaker) Enabled() bool {
	return cb != nil && cb.config.Enabled
}

func (cb *CircuitBreaker) CanExecute() bool {
	if !cb.Enabled() {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerOpen:
		if cb.now().Sub(time.Unix(0, cb.lastFail.Load())) >= cb.config.RecoveryTimeout {
			cb.transitionToHalfOpen()
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.Enabled() {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerHalfOpen:
		successes := cb.successes.Add(1)
		cb.logger.Debug("Success recorded in half-open state",
			zap.String("service", cb.name),
			zap.Int32("successes", successes),
			zap.Int("required", cb.config.HalfOpenRequests))

		if successes >= int32(cb.config.HalfOpenRequests) {
			cb.transitionToClosed()
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if !cb.Enabled() {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(cb.now().UnixNano())

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		failures := cb.failures.Add(1)
		cb.logger.Debug("Failure recorded in closed state",
			zap.String("service", cb.name),
			zap.Int32("failures", failures),
			zap.Int("threshold", cb.config.FailureThreshold))

		if failures >= int32(cb.config.FailureThreshold) {
			cb.transitionToOpen()
		}
	case StateBreakerHalfOpen:
		cb.transitionToOpen()
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	if !cb.Enabled() {
		return StateBreakerClosed
	}

	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return cb.getStateUnsafe()
}

func (cb *CircuitBreaker) StateString() string {
	if !cb.Enabled() {
		return "disabled"
	}
	return cb.State().String()
}

func (cb *CircuitBreaker) Reset() {
	if !cb.Enabled() {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	oldState := cb.getStateUnsafe()
	cb.transitionToClosed()

	cb.logger.Info("Circuit breaker manually reset",
		zap.String("service", cb.name),
		zap.String("old_state", oldState.String()))
}

func (cb *CircuitBreaker) getStateUnsafe() BreakerState {
	return cb.state.Load().(BreakerState)
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.state.Store(StateBreakerClosed)
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastFail.Store(0)
	cb.logger.Info("Circuit breaker closed", zap.String("service", cb.name))
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.state.Store(StateBreakerOpen)
	cb.successes.Store(0)
	cb.logger.Warn("Circuit breaker opened",
		zap.String("service", cb.name),
		zap.Int32("failures", cb.failures.Load()),
		zap.Int("threshold", cb.config.FailureThreshold))
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.state.Store(StateBreakerHalfOpen)
	cb.successes.Store(0)
	cb.logger.Info("Circuit breaker transitioned to half-open", zap.String("service", cb.name))
}

func (s BreakerState) String() string {
	switch s {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// IsBreakerFailure reports whether a response counts against the breaker.
func IsBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case fasthttp.StatusTooManyRequests,
		fasthttp.StatusRequestTimeout,
		fasthttp.StatusBadGateway,
		fasthttp.StatusServiceUnavailable,
		fasthttp.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a failed call may be sent again.
func IsRetryable(statusCode int, err error) bool {
	if err != nil {
		return isNetworkError(err)
	}
	return IsBreakerFailure(statusCode, nil)
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, fasthttp.ErrConnectionClosed) ||
		errors.Is(err, fasthttp.ErrNoFreeConns) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ETIMEDOUT:
			return true
		}
	}

	return false
}
