package eventlog

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CircuitBreaker stops log shipping after repeated failures so an unreachable
// backend does not cause a retry storm. Records are still journaled locally
// while the circuit is open.
type CircuitBreaker struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	threshold int           // consecutive failures to open
	cooldown  time.Duration // zero keeps the circuit open until Reset

	failures  int
	openUntil time.Time
	isOpen    bool
}

// NewCircuitBreaker creates a circuit breaker.
// threshold: number of consecutive failures to open the circuit (default 5)
// cooldown: how long to stay open before trying again; zero means until Reset
func NewCircuitBreaker(threshold int, cooldown time.Duration, clock clockwork.Clock) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		clock:     clock,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow returns true if the circuit is closed or the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.RLock()
	if !cb.isOpen {
		cb.mu.RUnlock()
		return true
	}
	expired := cb.cooldown > 0 && cb.clock.Now().After(cb.openUntil)
	cb.mu.RUnlock()

	if !expired {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	// Half-open: let the next attempt through. One more failure reopens it.
	if cb.isOpen && cb.clock.Now().After(cb.openUntil) {
		cb.isOpen = false
		cb.failures = cb.threshold - 1
	}
	return !cb.isOpen
}

// RecordSuccess records a successful shipment, closing the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.isOpen = false
}

// RecordFailure records a failed shipment and reports whether the circuit is now open.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.isOpen = true
		cb.openUntil = cb.clock.Now().Add(cb.cooldown)
	}
	return cb.isOpen
}

// IsOpen returns true if the circuit is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.isOpen
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.isOpen = false
}
