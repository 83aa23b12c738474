package camera

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int32

const (
	// CircuitClosed indicates normal operation with successful device reads.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates too many consecutive read failures; the device
	// should be reopened.
	CircuitOpen
	// CircuitHalfOpen indicates a probe read is allowed after the timeout.
	CircuitHalfOpen
)

// String returns a string representation of the CircuitState.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker guards device reads. After maxFailures consecutive failures
// it opens, rejecting reads until timeout has elapsed, then lets a probe
// through. recoveryThreshold successful probes close it again.
type CircuitBreaker struct {
	state           atomic.Int32
	failureCount    atomic.Int64
	lastFailureTime atomic.Int64
	successCount    atomic.Int64

	maxFailures       int64
	timeout           time.Duration
	recoveryThreshold int64
	logger            *slog.Logger
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(maxFailures int64, timeout time.Duration, recoveryThreshold int64, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	cb := &CircuitBreaker{
		maxFailures:       maxFailures,
		timeout:           timeout,
		recoveryThreshold: recoveryThreshold,
		logger:            logger,
	}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// Call runs fn unless the circuit is open and still cooling down.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if CircuitState(cb.state.Load()) == CircuitOpen {
		lastFailure := time.Unix(0, cb.lastFailureTime.Load())
		if time.Since(lastFailure) <= cb.timeout {
			return fmt.Errorf("circuit breaker is open, last failure: %v ago", time.Since(lastFailure))
		}
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.successCount.Store(0)
			cb.logger.Info("Circuit breaker state transition",
				"from", CircuitOpen,
				"to", CircuitHalfOpen,
				"timeout_elapsed", time.Since(lastFailure))
		}
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailureTime.Store(time.Now().UnixNano())
	failures := cb.failureCount.Add(1)
	current := CircuitState(cb.state.Load())

	switch {
	case current == CircuitHalfOpen:
		cb.state.Store(int32(CircuitOpen))
		cb.successCount.Store(0)
		cb.logger.Warn("Circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitOpen,
			"reason", "failure_during_recovery")
	case current == CircuitClosed && failures >= cb.maxFailures:
		cb.state.Store(int32(CircuitOpen))
		cb.logger.Warn("Circuit breaker state transition",
			"from", CircuitClosed,
			"to", CircuitOpen,
			"failure_count", failures,
			"max_failures", cb.maxFailures)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount.Store(0)

	if CircuitState(cb.state.Load()) != CircuitHalfOpen {
		return
	}
	successes := cb.successCount.Add(1)
	if successes >= cb.recoveryThreshold &&
		cb.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitClosed)) {
		cb.logger.Info("Circuit breaker state transition",
			"from", CircuitHalfOpen,
			"to", CircuitClosed,
			"success_count", successes)
	}
}

// GetState returns the current circuit breaker state.
func (cb *CircuitBreaker) GetState() CircuitState {
	return CircuitState(cb.state.Load())
}

// Reset closes the circuit. Call it after the device has been reopened.
func (cb *CircuitBreaker) Reset() {
	previous := CircuitState(cb.state.Swap(int32(CircuitClosed)))
	cb.failureCount.Store(0)
	cb.successCount.Store(0)
	if previous != CircuitClosed {
		cb.logger.Info("Circuit breaker manually reset", "from", previous, "to", CircuitClosed)
	}
}

// GetFailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) GetFailureCount() int64 {
	return cb.failureCount.Load()
}
