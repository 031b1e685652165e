// Package core provides the fundamental abstractions shared by every
// plannersync component: configuration, logging, error taxonomy, the Redis
// client wrapper, and the component supervisor.
package core

import (
	"context"
	"time"
)

// Logger interface for structured logging across components.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// WithComponent returns a logger that stamps every entry with the
	// component name.
	WithComponent(name string) Logger
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// CircuitBreaker provides circuit breaker functionality for fault tolerance.
// Implementations protect against cascading failures by temporarily blocking
// requests when a threshold of failures is reached.
type CircuitBreaker interface {
	// Execute runs the provided function with circuit breaker protection.
	// If the circuit is open, it returns ErrCircuitBreakerOpen immediately.
	Execute(ctx context.Context, fn func() error) error

	// GetState returns the current state: "closed", "open" or "half-open".
	GetState() string

	// CanExecute returns true if the circuit breaker would allow execution.
	CanExecute() bool

	// RecordSuccess and RecordFailure update circuit state for callers that
	// manage execution themselves.
	RecordSuccess()
	RecordFailure()

	// Reset manually resets the circuit breaker to closed state.
	Reset()
}

// Component is a long-lived part of the syncer managed by the Supervisor.
// Start must return promptly after launching background work; Stop must
// drain in-flight work within the deadline carried by ctx.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) WithComponent(name string) Logger                 { return n }

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
