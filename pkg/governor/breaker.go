package governor

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

const (
	circuitClosed   uint32 = 0
	circuitOpen     uint32 = 1
	circuitHalfOpen uint32 = 2
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// generation failures. Default: 5.
	FailureThreshold int32 `koanf:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before a probe is
	// allowed through. Default: 30s.
	RecoveryTimeout time.Duration `koanf:"recovery_timeout"`

	// HalfOpenSuccesses is how many consecutive successes in half-open
	// close the circuit again. Default: 2.
	HalfOpenSuccesses int32 `koanf:"half_open_successes"`
}

// ApplyDefaults sets default values for unset fields.
func (c *BreakerConfig) ApplyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccesses == 0 {
		c.HalfOpenSuccesses = 2
	}
}

// Validate validates the configuration.
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("%w: breaker failure_threshold must be positive", ErrInvalidConfig)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("%w: breaker recovery_timeout must be positive", ErrInvalidConfig)
	}
	if c.HalfOpenSuccesses <= 0 {
		return fmt.Errorf("%w: breaker half_open_successes must be positive", ErrInvalidConfig)
	}
	return nil
}

// CircuitBreaker protects the external generate function from repeated
// failures. Lock-free: state transitions use CAS so concurrent callers
// never block on the breaker itself.
type CircuitBreaker struct {
	failures    atomic.Int32
	successes   atomic.Int32 // consecutive successes while half-open
	state       atomic.Uint32
	lastFailure atomic.Int64 // unix nanos

	threshold         int32
	halfOpenSuccesses int32
	resetAfter        time.Duration
}

// NewCircuitBreaker creates a circuit breaker from config.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.ApplyDefaults()
	return &CircuitBreaker{
		threshold:         cfg.FailureThreshold,
		halfOpenSuccesses: cfg.HalfOpenSuccesses,
		resetAfter:        cfg.RecoveryTimeout,
	}
}

// Allow returns true if a generate call may proceed. An open circuit fails
// fast until the recovery timeout elapses, at which point the breaker moves
// to half-open and probe calls are allowed through.
func (cb *CircuitBreaker) Allow() bool {
	for {
		state := cb.state.Load()
		switch state {
		case circuitOpen:
			lastFail := time.Unix(0, cb.lastFailure.Load())
			if time.Since(lastFail) > cb.resetAfter {
				// CAS: only one goroutine transitions to half-open.
				if cb.state.CompareAndSwap(circuitOpen, circuitHalfOpen) {
					cb.successes.Store(0)
					return true
				}
				continue // Another goroutine won, retry.
			}
			return false
		case circuitHalfOpen:
			return true // Probes allowed while recovery is being confirmed.
		default: // circuitClosed
			return true
		}
	}
}

// RecordSuccess records a successful generate call. In half-open,
// HalfOpenSuccesses consecutive successes close the circuit; in closed
// state the failure count resets.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb.state.Load() == circuitHalfOpen {
		if cb.successes.Add(1) >= cb.halfOpenSuccesses {
			if cb.state.CompareAndSwap(circuitHalfOpen, circuitClosed) {
				cb.failures.Store(0)
			}
		}
		return
	}
	cb.failures.Store(0)
}

// RecordFailure records a failed generate call. A failure during half-open
// reopens the circuit immediately; in closed state the circuit opens once
// consecutive failures reach the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	if cb.state.CompareAndSwap(circuitHalfOpen, circuitOpen) {
		cb.lastFailure.Store(time.Now().UnixNano())
		cb.successes.Store(0)
		return
	}

	// Atomic increment + CAS loop to prevent TOCTOU race.
	for {
		currentFailures := cb.failures.Load()
		if currentFailures == math.MaxInt32 {
			return
		}
		newFailures := currentFailures + 1
		if !cb.failures.CompareAndSwap(currentFailures, newFailures) {
			continue // Another goroutine incremented, retry.
		}

		if newFailures >= cb.threshold {
			if cb.state.CompareAndSwap(circuitClosed, circuitOpen) {
				cb.lastFailure.Store(time.Now().UnixNano())
			}
		}
		return
	}
}

// State returns the current circuit state as a string.
func (cb *CircuitBreaker) State() string {
	switch cb.state.Load() {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
