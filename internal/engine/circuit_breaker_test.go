package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conductor/internal/actions"
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

func newTestBreakers(threshold int, cooldown time.Duration) *CircuitBreakerRegistry {
	return NewCircuitBreakerRegistry(
		CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

var actionFailure = schema.NewError(schema.ErrCodeActionExecution, "upstream down")

// dispatchOnce runs one guarded dispatch that ends with err.
func dispatchOnce(t *testing.T, r *CircuitBreakerRegistry, action string, err error) {
	t.Helper()
	done, allowErr := r.Allow(action)
	require.NoError(t, allowErr)
	done(err)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r := newTestBreakers(3, time.Minute)

	dispatchOnce(t, r, "weather.get", actionFailure)
	dispatchOnce(t, r, "weather.get", actionFailure)
	assert.Equal(t, gobreaker.StateClosed, r.State("weather.get"))

	dispatchOnce(t, r, "weather.get", actionFailure)
	assert.Equal(t, gobreaker.StateOpen, r.State("weather.get"))

	_, err := r.Allow("weather.get")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.KindOf(err))
	assert.Contains(t, err.Error(), "weather.get")
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	r := newTestBreakers(2, time.Minute)

	dispatchOnce(t, r, "a", actionFailure)
	dispatchOnce(t, r, "a", nil)
	dispatchOnce(t, r, "a", actionFailure)
	assert.Equal(t, gobreaker.StateClosed, r.State("a"))
}

func TestCircuitBreaker_IgnoresNonActionFailures(t *testing.T) {
	r := newTestBreakers(1, time.Minute)

	dispatchOnce(t, r, "a", schema.NewError(schema.ErrCodeValidation, "missing required arguments: city"))
	dispatchOnce(t, r, "a", schema.NewError(schema.ErrCodeCancelled, "cancelled"))
	assert.Equal(t, gobreaker.StateClosed, r.State("a"))

	dispatchOnce(t, r, "a", schema.NewError(schema.ErrCodeActionTimeout, "timed out"))
	assert.Equal(t, gobreaker.StateOpen, r.State("a"))
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	r := newTestBreakers(1, 20*time.Millisecond)

	dispatchOnce(t, r, "a", actionFailure)
	_, err := r.Allow("a")
	require.Error(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, r.State("a"))
	probe, err := r.Allow("a")
	require.NoError(t, err, "one probe allowed after cooldown")
	_, err = r.Allow("a")
	assert.Error(t, err, "second probe rejected while half-open")

	probe(nil)
	assert.Equal(t, gobreaker.StateClosed, r.State("a"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := newTestBreakers(1, 20*time.Millisecond)

	dispatchOnce(t, r, "a", actionFailure)
	time.Sleep(30 * time.Millisecond)
	dispatchOnce(t, r, "a", actionFailure)

	assert.Equal(t, gobreaker.StateOpen, r.State("a"))
	_, err := r.Allow("a")
	assert.Error(t, err)
}

func TestCircuitBreaker_PerActionIsolation(t *testing.T) {
	r := newTestBreakers(1, time.Minute)

	dispatchOnce(t, r, "a", actionFailure)
	dispatchOnce(t, r, "b", nil)
	_, err := r.Allow("a")
	assert.Error(t, err)

	stats := r.Stats()
	assert.Equal(t, "open", stats["a"]["state"])
	assert.Equal(t, "closed", stats["b"]["state"])
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{}, nil)
	for i := 0; i < 10; i++ {
		dispatchOnce(t, r, "a", actionFailure)
	}
	assert.Equal(t, gobreaker.StateClosed, r.State("a"))
	assert.Empty(t, r.Stats())

	var nilRegistry *CircuitBreakerRegistry
	done, err := nilRegistry.Allow("a")
	require.NoError(t, err)
	done(actionFailure)
}

func TestExecutor_OpenBreakerSkipsDispatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	calls := 0
	reg := actions.NewRegistry(nil, logger)
	require.NoError(t, reg.Register(&funcAction{name: "flaky", fn: func(context.Context, map[string]any) (*actions.ActionOutput, error) {
		calls++
		return nil, errors.New("upstream down")
	}}))
	exec := NewExecutor(reg, nil, nil, nil, nil, ExecutorConfig{
		PoolSize:       1,
		CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
	}, logger)
	t.Cleanup(exec.Shutdown)

	unit := Unit{Steps: []schema.StepDefinition{{Type: schema.StepTypeAction, Action: "flaky", OutputVar: "out"}}}
	vars := expressions.NewVariables(nil)

	_, err := exec.ExecuteUnit(context.Background(), unit, vars, Env{SessionID: "s1"})
	assert.Equal(t, schema.ErrCodeActionExecution, schema.KindOf(err))

	_, err = exec.ExecuteUnit(context.Background(), unit, vars, Env{SessionID: "s1"})
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.KindOf(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "open", exec.Breakers().Stats()["flaky"]["state"])
}
