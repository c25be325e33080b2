package pool

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops connection attempts to a logical database after
// threshold consecutive failures, until timeout has elapsed.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64
	lastFailureTime atomic.Int64
	threshold       int
	timeout         time.Duration
	now             func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// CanExecute checks if the circuit breaker allows execution.
func (cb *CircuitBreaker) CanExecute() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if cb.now().Sub(time.Unix(0, cb.lastFailureTime.Load())) > cb.timeout {
			return cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

// RecordFailure counts a failure and opens the breaker at the threshold. A
// failure while half-open reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(cb.now().UnixNano())

	if failures >= int64(cb.threshold) || CircuitBreakerState(cb.state.Load()) == CircuitBreakerHalfOpen {
		cb.state.Store(int32(CircuitBreakerOpen))
	}
}

// GetState returns the current circuit breaker state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// GetFailures returns the current failure count.
func (cb *CircuitBreaker) GetFailures() int64 {
	return cb.failures.Load()
}
