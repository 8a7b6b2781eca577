package observability

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means requests are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen means requests are blocked.
	StateOpen
	// StateHalfOpen means a limited number of probe requests are allowed.
	StateHalfOpen
)

// CircuitBreaker guards calls to an unreliable dependency, here the vault
// backend. An open circuit fails fast so the credential resolver can fall
// through to the next tier without waiting on connection timeouts.
type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration

	mu           sync.Mutex
	state        CircuitBreakerState
	failures     int
	lastFailure  time.Time
	successCount int
	halfOpenMax  int
}

// NewCircuitBreaker creates a closed breaker that opens after maxFailures
// consecutive errors and starts probing again after timeout.
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
		halfOpenMax: 3,
	}
}

// Call executes fn under breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}

	if !cb.allow() {
		state := cb.stateString()
		cb.record()
		cb.mu.Unlock()
		return fmt.Errorf("circuit breaker %s is %s", cb.name, state)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	cb.update(err)
	cb.record()
	cb.mu.Unlock()
	return err
}

func (cb *CircuitBreaker) allow() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.successCount < cb.halfOpenMax
	default:
		return false
	}
}

func (cb *CircuitBreaker) update(err error) {
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
		return
	}
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.successCount = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) record() {
	CircuitBreakerStateGauge.WithLabelValues(cb.name).Set(float64(cb.state))
}

func (cb *CircuitBreaker) stateString() string {
	switch cb.state {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen reports whether calls are currently blocked.
func (cb *CircuitBreaker) IsOpen() bool { return cb.State() == StateOpen }

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.record()
}
