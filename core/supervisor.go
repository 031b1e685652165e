package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Supervisor starts components in registration order and stops them in
// reverse order. A single Run call owns the full lifecycle: it blocks until
// the context is cancelled, then drains every component with the configured
// grace period.
type Supervisor struct {
	components []Component
	grace      time.Duration
	logger     Logger
	running    atomic.Bool
}

// NewSupervisor creates a supervisor with the given shutdown grace period.
func NewSupervisor(grace time.Duration, logger Logger) *Supervisor {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Supervisor{grace: grace, logger: logger}
}

// Add registers a component. Must be called before Run.
func (s *Supervisor) Add(c Component) {
	s.components = append(s.components, c)
}

// Run starts all components and blocks until ctx is cancelled. If a component
// fails to start, the ones already started are stopped and the error returned.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	defer s.running.Store(false)

	started := make([]Component, 0, len(s.components))
	for _, c := range s.components {
		s.logger.Info("Starting component", map[string]interface{}{
			"component": c.Name(),
		})
		if err := c.Start(ctx); err != nil {
			s.logger.Error("Component failed to start", map[string]interface{}{
				"component": c.Name(),
				"error":     err.Error(),
			})
			s.stopAll(started)
			return fmt.Errorf("failed to start %s: %w", c.Name(), err)
		}
		started = append(started, c)
	}

	s.logger.Info("All components started", map[string]interface{}{
		"count": len(started),
	})

	<-ctx.Done()

	s.logger.Info("Shutdown requested", nil)
	s.stopAll(started)
	return nil
}

// stopAll stops components in reverse order, each bounded by the grace period.
func (s *Supervisor) stopAll(started []Component) {
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		stopCtx, cancel := context.WithTimeout(context.Background(), s.grace)
		if err := c.Stop(stopCtx); err != nil {
			s.logger.Warn("Component stop error", map[string]interface{}{
				"component": c.Name(),
				"error":     err.Error(),
			})
		} else {
			s.logger.Info("Component stopped", map[string]interface{}{
				"component": c.Name(),
			})
		}
		cancel()
	}
}
