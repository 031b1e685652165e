package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/plannersync/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
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

// ErrorClassifier determines which errors count toward the failure
// threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. Errors the
// remote service answered deliberately (permission, validation, not-found,
// ETag conflicts, rate limits) say nothing about its availability.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsNotFound(err) || core.IsPermission(err) || core.IsConfigurationError(err) {
		return false
	}
	if errors.Is(err, core.ErrPreconditionFailed) ||
		errors.Is(err, core.ErrRateLimited) ||
		errors.Is(err, core.ErrValidation) ||
		errors.Is(err, core.ErrNotModified) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs.
	Name string

	// FailureThreshold is the number of counted failures before opening.
	FailureThreshold int

	// SleepWindow is how long to wait before entering half-open state.
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests allowed half-open.
	HalfOpenRequests int

	// ErrorClassifier determines which errors count as failures.
	ErrorClassifier ErrorClassifier

	// Logger for state-change events.
	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns production defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 2,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreaker guards the planner endpoint. Closed until
// FailureThreshold consecutive counted failures, then open for SleepWindow,
// then half-open admitting HalfOpenRequests probes; one counted probe
// failure reopens, all probes succeeding closes.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	clock  core.Clock

	mu                sync.Mutex
	state             CircuitState
	failures          int
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int

	rejections atomic.Uint64
}

// NewCircuitBreaker creates a circuit breaker. A nil config gets defaults.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 2
	}
	return &CircuitBreaker{
		config: config,
		clock:  core.SystemClock{},
		state:  StateClosed,
	}
}

var _ core.CircuitBreaker = (*CircuitBreaker)(nil)

// Execute runs fn under circuit protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.CanExecute() {
		cb.rejections.Add(1)
		return core.ErrCircuitBreakerOpen
	}

	err := fn()
	if err != nil {
		if cb.countsAsFailure(err) {
			cb.RecordFailure()
		}
		return err
	}
	cb.RecordSuccess()
	return nil
}

// CanExecute returns true if the circuit breaker would allow execution. In
// half-open state it also claims a probe slot.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) < cb.config.SleepWindow {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenRequests {
			return false
		}
		cb.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess updates circuit state after a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenRequests {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure updates circuit state after a counted failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// GetState returns the current state name.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Rejections returns how many executions the open circuit has refused.
func (cb *CircuitBreaker) Rejections() uint64 {
	return cb.rejections.Load()
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	return cb.config.ErrorClassifier(err)
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		cb.failures = 0
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
	if to == StateOpen {
		cb.openedAt = cb.clock.Now()
	}
	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}
