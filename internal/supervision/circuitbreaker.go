package supervision

import (
	"errors"
	"sync"
	"time"
)

// CircuitState is one of the three states a CircuitBreaker can be in.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is Open, or
// when HalfOpen has no trial slots left.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerConfig configures a per-operation breaker.
type CircuitBreakerConfig struct {
	FailureThreshold    int           // consecutive failures before Closed → Open
	SuccessThreshold    int           // consecutive successes before HalfOpen → Closed
	ResetTimeout        time.Duration // Open → HalfOpen after this elapses
	HalfOpenMaxRequests int           // trial calls allowed while HalfOpen
}

// CircuitBreaker guards calls to a failing dependency with the standard
// Closed/Open/HalfOpen state machine. All state reads and
// transitions happen under a single mutex so a caller always observes
// either Closed-before-transition or Open-after (concurrency invariant 5).
type CircuitBreaker struct {
	mu    sync.Mutex
	cfg   CircuitBreakerConfig
	clock Clock

	state               CircuitState
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
	halfOpenInFlight    int
}

// NewCircuitBreaker creates a breaker starting Closed.
func NewCircuitBreaker(cfg CircuitBreakerConfig, clock Clock) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if clock == nil {
		clock = RealClock()
	}
	return &CircuitBreaker{cfg: cfg, clock: clock, state: CircuitClosed}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err == nil)
	return err
}

// before decides whether a call may proceed, transitioning Open→HalfOpen
// if reset_timeout has elapsed. Returns ErrCircuitOpen if the call must be
// short-circuited.
func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.clock.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenInFlight = 0
		cb.consecutiveSuccess = 0
		fallthrough
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
		return nil
	}
	return nil
}

// after records a call's outcome and applies the state transition.
func (cb *CircuitBreaker) after(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		if success {
			cb.consecutiveFailures = 0
			return
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = cb.clock.Now()
		}
	case CircuitHalfOpen:
		cb.halfOpenInFlight--
		if !success {
			cb.state = CircuitOpen
			cb.openedAt = cb.clock.Now()
			cb.consecutiveFailures = cb.cfg.FailureThreshold
			return
		}
		cb.consecutiveSuccess++
		if cb.consecutiveSuccess >= cb.cfg.SuccessThreshold {
			cb.state = CircuitClosed
			cb.consecutiveFailures = 0
			cb.consecutiveSuccess = 0
		}
	case CircuitOpen:
		// A call that slipped through between before() and after() under
		// concurrent access; ignore, the state machine already reflects Open.
	}
}
