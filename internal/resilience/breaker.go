package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker's current position in its three-state
// machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Execute without invoking the wrapped operation
// when the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// BreakerSettings holds one dependency's tunable circuit breaker
// parameters. Zero values fall back to withDefaults' conservative
// defaults.
type BreakerSettings struct {
	FailureThreshold   int
	MinCallsBeforeOpen int
	SuccessThreshold   int
	RecoveryTimeout    time.Duration
	HalfOpenMaxCalls   int
	OnStateChange      func(name string, from, to State)
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.MinCallsBeforeOpen <= 0 {
		s.MinCallsBeforeOpen = 10
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 3
	}
	return s
}

// CircuitBreaker is a three-state fault isolator around one named
// dependency. Its parameter set (independent success_threshold and
// half_open_max_calls) can't be expressed through sony/gobreaker's single
// MaxRequests knob, so the state machine here is hand-rolled.
type CircuitBreaker struct {
	name     string
	settings BreakerSettings

	mu               sync.Mutex
	state            State
	totalCalls       int
	consecutiveFail  int
	consecutiveOK    int
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenSeenOK   bool
}

// NewCircuitBreaker creates a CLOSED breaker named name.
func NewCircuitBreaker(name string, settings BreakerSettings) *CircuitBreaker {
	return &CircuitBreaker{name: name, settings: settings.withDefaults(), state: StateClosed}
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state under the breaker's own lock.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn under circuit-breaker protection. If the breaker is
// open, fn is never invoked and ErrOpen is returned immediately.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.after(err)
	return err
}

// before admits or refuses a call, transitioning OPEN -> HALF_OPEN when the
// recovery timeout has elapsed.
func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.totalCalls++
		return nil

	case StateOpen:
		if time.Since(cb.openedAt) >= cb.settings.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			cb.halfOpenInFlight = 1
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.settings.HalfOpenMaxCalls {
			if !cb.halfOpenSeenOK {
				cb.transition(StateOpen)
			}
			return ErrOpen
		}
		cb.halfOpenInFlight++
		return nil

	default:
		return nil
	}
}

// after records the outcome of an admitted call and evaluates transitions.
func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if err != nil {
			cb.consecutiveFail++
			if cb.totalCalls >= cb.settings.MinCallsBeforeOpen && cb.consecutiveFail >= cb.settings.FailureThreshold {
				cb.transition(StateOpen)
			}
		} else {
			cb.consecutiveFail = 0
		}

	case StateHalfOpen:
		if err != nil {
			cb.transition(StateOpen)
			return
		}
		cb.halfOpenSeenOK = true
		cb.consecutiveOK++
		if cb.consecutiveOK >= cb.settings.SuccessThreshold {
			cb.transition(StateClosed)
		}

	case StateOpen:
		// A call slipped through the race between before() deciding
		// HALF_OPEN and after() observing a stale OPEN read; ignore.
	}
}

// transition moves to next, resetting every counter that must start
// fresh on state entry. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(next State) {
	prev := cb.state
	cb.state = next
	cb.totalCalls = 0
	cb.consecutiveFail = 0
	cb.consecutiveOK = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSeenOK = false

	if next == StateOpen {
		cb.openedAt = time.Now()
	}

	if cb.settings.OnStateChange != nil && prev != next {
		cb.settings.OnStateChange(cb.name, prev, next)
	}
}

// Registry is a thread-safe lookup of CircuitBreakers by dependency name,
// created lazily from a per-name settings resolver.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults func(name string) BreakerSettings
}

// NewRegistry creates a Registry that builds missing breakers using
// defaults, which may vary settings per dependency name.
func NewRegistry(defaults func(name string) BreakerSettings) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), defaults: defaults}
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	settings := BreakerSettings{}
	if r.defaults != nil {
		settings = r.defaults(name)
	}
	cb = NewCircuitBreaker(name, settings)
	r.breakers[name] = cb
	return cb
}
