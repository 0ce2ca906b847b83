package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rendis/conductor/pkg/schema"
)

// CircuitBreakerConfig configures the per-action circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Zero disables the breakers.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a test dispatch.
	Cooldown time.Duration
	// HalfOpenMax is the number of test dispatches allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitBreakerRegistry keeps one breaker per action name, shared by every
// session, so an action that keeps failing stops being dispatched for a
// while.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	config   CircuitBreakerConfig
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a registry; breakers are made lazily on
// an action's first dispatch.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

func (r *CircuitBreakerRegistry) enabled() bool {
	return r != nil && r.config.FailureThreshold > 0
}

// Allow asks the action's breaker for permission to dispatch. On success the
// returned func must be called with the dispatch outcome. A rejection is a
// CIRCUIT_OPEN error naming the action.
func (r *CircuitBreakerRegistry) Allow(action string) (func(error), error) {
	if !r.enabled() {
		return func(error) {}, nil
	}
	cb := r.get(action)
	done, err := cb.Allow()
	if err != nil {
		msg := "action %q is unavailable after repeated failures"
		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			msg = "action %q is being probed for recovery"
		}
		return nil, schema.NewErrorf(schema.ErrCodeCircuitOpen, msg, action).
			WithStep(action).
			WithCause(err).
			WithDetails(map[string]any{"cooldown": r.config.Cooldown.String()})
	}
	return func(err error) { done(!countsAsFailure(err)) }, nil
}

// countsAsFailure reports whether err says something about the action's
// health. Argument, policy and cancellation errors do not.
func countsAsFailure(err error) bool {
	switch schema.KindOf(err) {
	case schema.ErrCodeActionExecution, schema.ErrCodeActionTimeout:
		return err != nil
	}
	return false
}

// State returns the current state of the action's breaker.
func (r *CircuitBreakerRegistry) State(action string) gobreaker.State {
	if !r.enabled() {
		return gobreaker.StateClosed
	}
	return r.get(action).State()
}

// Stats returns diagnostic information for every breaker that has seen a
// dispatch.
func (r *CircuitBreakerRegistry) Stats() map[string]map[string]any {
	out := make(map[string]map[string]any)
	if !r.enabled() {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cb := range r.breakers {
		counts := cb.Counts()
		out[name] = map[string]any{
			"state":                cb.State().String(),
			"consecutive_failures": counts.ConsecutiveFailures,
			"total_failures":       counts.TotalFailures,
		}
	}
	return out
}

func (r *CircuitBreakerRegistry) get(action string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[action]
	if !ok {
		threshold := uint32(r.config.FailureThreshold)
		cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        action,
			MaxRequests: uint32(r.config.HalfOpenMax),
			Timeout:     r.config.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= threshold },
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Warn("action circuit breaker changed state",
					slog.String("action", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
		r.breakers[action] = cb
	}
	return cb
}
