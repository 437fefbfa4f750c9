package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the protected function while the
// breaker is open or its half-open probe budget is spent.
var ErrOpen = errors.New("circuit breaker is open")

// State represents circuit breaker state
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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           // consecutive failures that open the breaker
	SuccessThreshold    int           // half-open successes that close it again
	OpenTimeout         time.Duration // time spent open before probing
	MaxRequestsHalfOpen int

	// IsFailure decides which errors count against the breaker. Nil counts
	// every non-nil error.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State          State
	Failures       int
	Successes      int
	LastFailure    time.Time
	StateChangedAt time.Time
	InFlightProbes int
}

// CircuitBreaker fails fast after repeated failures and periodically lets a
// probe through to detect recovery.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	probes         int
	lastFailure    time.Time
	stateChangedAt time.Time
	onStateChange  func(from, to State)
}

// New creates a new circuit breaker
func New(cfg Config) *CircuitBreaker {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock creates a breaker reading time from now.
func NewWithClock(cfg Config, now func() time.Time) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxRequestsHalfOpen <= 0 {
		cfg.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{cfg: cfg, now: now, stateChangedAt: now()}
}

// OnStateChange registers fn to run after every transition, outside the
// breaker's lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Execute runs fn if the breaker allows it and returns fn's error unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

// ExecuteValue is Execute for functions that produce a result.
func ExecuteValue[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := cb.before(); err != nil {
		return zero, err
	}
	v, err := fn()
	cb.after(err)
	return v, err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.stateChangedAt) < cb.cfg.OpenTimeout {
			return ErrOpen
		}
		notify = cb.transition(StateHalfOpen)
		cb.probes++
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.cfg.MaxRequestsHalfOpen {
			return ErrOpen
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(err error) {
	failed := err != nil
	if failed && cb.cfg.IsFailure != nil {
		failed = cb.cfg.IsFailure(err)
	}

	cb.mu.Lock()
	var notify func()
	defer func() {
		cb.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	if failed {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()
		switch {
		case cb.state == StateHalfOpen:
			notify = cb.transition(StateOpen)
		case cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold:
			notify = cb.transition(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			notify = cb.transition(StateClosed)
		}
	}
}

// transition changes state and returns the callback to run once the lock is
// released. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.stateChangedAt = cb.now()
	cb.successes = 0
	cb.probes = 0
	if to != StateOpen {
		cb.failures = 0
	}
	if fn := cb.onStateChange; fn != nil {
		return func() { fn(from, to) }
	}
	return nil
}

// State reports the current state. An open breaker whose timeout has elapsed
// still reads as open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:          cb.state,
		Failures:       cb.failures,
		Successes:      cb.successes,
		LastFailure:    cb.lastFailure,
		StateChangedAt: cb.stateChangedAt,
		InFlightProbes: cb.probes,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transition(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}
