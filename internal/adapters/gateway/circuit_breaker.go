package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

// CircuitState is where the breaker sits in its closed/open/half-open cycle
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

var stateNames = map[CircuitState]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s CircuitState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

var (
	// ErrCircuitOpen means the processor is in its cool-down window
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests means every half-open trial slot is in use
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitBreakerConfig controls when the breaker trips and how it recovers
type CircuitBreakerConfig struct {
	MaxFailures         uint32        // consecutive failures that open the circuit
	Timeout             time.Duration // cool-down before trying again
	MaxRequestsHalfOpen uint32        // trial calls admitted while half-open
}

// DefaultCircuitBreakerConfig trips after 5 failures and retries the upstream after 30s
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// CircuitBreaker guards calls to a single upstream
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	clock timeutil.Clock

	mu       sync.Mutex
	state    CircuitState
	failures uint32
	trials   uint32
	openedAt time.Time
	notify   func(CircuitState)
}

// NewCircuitBreaker returns a closed breaker using the wall clock
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(cfg, timeutil.SystemClock{})
}

func newCircuitBreaker(cfg CircuitBreakerConfig, clock timeutil.Clock) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, clock: clock}
}

// OnStateChange sets fn to run after each transition, outside the breaker lock
func (cb *CircuitBreaker) OnStateChange(fn func(CircuitState)) {
	cb.mu.Lock()
	cb.notify = fn
	cb.mu.Unlock()
}

// Call runs fn when the circuit admits it. An error counts against the
// upstream when isFailure reports true; a nil isFailure counts every error.
func (cb *CircuitBreaker) Call(fn func() error, isFailure func(error) bool) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	cb.record(err != nil && (isFailure == nil || isFailure(err)))
	return err
}

// beforeCall admits or rejects one call, claiming a trial slot when half-open
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	var changed bool
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.openedAt) > cb.cfg.Timeout {
		changed = cb.moveTo(StateHalfOpen)
	}

	var err error
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.trials >= cb.cfg.MaxRequestsHalfOpen {
			err = ErrTooManyRequests
		} else {
			cb.trials++
		}
	}
	notify := cb.notify
	cb.mu.Unlock()

	if changed && notify != nil {
		notify(StateHalfOpen)
	}
	return err
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	next := cb.state
	switch {
	case !failed && cb.state == StateHalfOpen:
		next = StateClosed
	case !failed:
		cb.failures = 0
	case cb.state == StateHalfOpen:
		next = StateOpen
	default:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			next = StateOpen
		}
	}
	changed := cb.moveTo(next)
	notify := cb.notify
	cb.mu.Unlock()

	if changed && notify != nil {
		notify(next)
	}
}

// moveTo switches state and resets counters; callers hold mu
func (cb *CircuitBreaker) moveTo(next CircuitState) bool {
	if cb.state == next {
		return false
	}
	cb.state = next
	cb.trials = 0
	if next != StateOpen {
		cb.failures = 0
	} else {
		cb.openedAt = cb.clock.Now()
	}
	return true
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count while closed
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
