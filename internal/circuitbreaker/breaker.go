// Package circuitbreaker guards calls to the shared store. When the store
// keeps failing the breaker opens and calls fail immediately instead of
// waiting on dial or read timeouts. It never retries.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// MaxRequests is the number of probe calls let through while half-open.
	MaxRequests uint32

	// Interval is the window after which closed-state counts reset.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// Threshold is the minimum number of calls before the failure ratio is evaluated.
	Threshold uint32

	// FailureRatio at or above which the breaker opens.
	FailureRatio float64

	// OnStateChange is called whenever the state changes
	OnStateChange func(from, to State)
}

func DefaultConfig() *Config {
	return &Config{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      5 * time.Second,
		Threshold:    10,
		FailureRatio: 0.5,
	}
}

type counts struct {
	requests uint32
	total    uint32
	failures uint32
}

type CircuitBreaker struct {
	config *Config
	mu     sync.Mutex
	state  State
	counts counts
	expiry time.Time
	now    func() time.Time
}

func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Threshold == 0 {
		config.Threshold = 1
	}
	cb := &CircuitBreaker{config: config, state: StateClosed, now: time.Now}
	cb.toNewGeneration(cb.now())
	return cb
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.now())
}

// Counts returns the requests, evaluated calls and failures of the current generation.
func (cb *CircuitBreaker) Counts() (requests, total, failures uint32) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts.requests, cb.counts.total, cb.counts.failures
}

// Execute runs fn if the breaker allows it and records the outcome. The
// error from fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(cb.now()) {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if cb.counts.requests >= cb.config.MaxRequests {
			return ErrTooManyRequests
		}
	}
	cb.counts.requests++
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.currentState(now) {
	case StateClosed:
		cb.counts.total++
		if !success {
			cb.counts.failures++
		}
		if cb.counts.total >= cb.config.Threshold &&
			float64(cb.counts.failures)/float64(cb.counts.total) >= cb.config.FailureRatio {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if !success {
			cb.setState(StateOpen, now)
			return
		}
		cb.counts.total++
		if cb.counts.total >= cb.config.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

// caller holds cb.mu
func (cb *CircuitBreaker) currentState(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state
}

// caller holds cb.mu
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(prev, state)
	}
}

// caller holds cb.mu
func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.counts = counts{}
	switch cb.state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}
