package router

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while a venue's breaker rejects calls
var ErrBreakerOpen = errors.New("venue circuit breaker is open")

// BreakerState represents the state of a venue circuit breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls when a venue is considered unreachable
type BreakerConfig struct {
	Threshold int           // transport failures within Window before opening
	Window    time.Duration // failure counting window
	Timeout   time.Duration // time open before a half-open probe
	OnTrip    func()
}

// CircuitBreaker trips on transport failures only. Business rejections
// (insufficient balance, bad price) are successes from its point of view.
type CircuitBreaker struct {
	config BreakerConfig
	now    func() time.Time

	mu           sync.Mutex
	state        BreakerState
	lastFailTime time.Time
	failures     []time.Time
}

// NewCircuitBreaker creates a closed breaker. A zero threshold disables it.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Window == 0 {
		config.Window = time.Minute
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// State returns the current state, accounting for an elapsed open timeout
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.now().Sub(cb.lastFailTime) > cb.config.Timeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// Execute runs op unless the breaker is open
func (cb *CircuitBreaker) Execute(op func() error) error {
	if cb.config.Threshold <= 0 {
		return op()
	}

	cb.mu.Lock()
	if cb.state == BreakerOpen {
		if cb.now().Sub(cb.lastFailTime) <= cb.config.Timeout {
			cb.mu.Unlock()
			return ErrBreakerOpen
		}
		cb.state = BreakerHalfOpen
	}
	cb.mu.Unlock()

	if err := op(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerHalfOpen {
		cb.state = BreakerClosed
		cb.failures = cb.failures[:0]
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastFailTime = now
	cb.failures = append(cb.failures, now)

	cutoff := now.Add(-cb.config.Window)
	start := 0
	for start < len(cb.failures) && !cb.failures[start].After(cutoff) {
		start++
	}
	cb.failures = cb.failures[start:]

	tripped := false
	switch cb.state {
	case BreakerClosed:
		tripped = len(cb.failures) >= cb.config.Threshold
	case BreakerHalfOpen:
		tripped = true
	}
	if tripped {
		cb.state = BreakerOpen
		if cb.config.OnTrip != nil {
			go cb.config.OnTrip()
		}
	}
}
