package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/conductor/internal/actions"
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// DefaultPoolSize is the default number of concurrent action dispatches.
const DefaultPoolSize = 10

// DefaultActionTimeout bounds a single action dispatch when unset.
const DefaultActionTimeout = 30 * time.Second

// StepProcessor runs processing steps. Satisfied by *reasoning.Processor.
type StepProcessor interface {
	Process(ctx context.Context, step *schema.StepDefinition, vars *expressions.Variables, reserved expressions.Reserved, goal string) (string, error)
}

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize       int
	ActionTimeout  time.Duration
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
}

// Env is the per-batch context handed to the executor.
type Env struct {
	SessionID string
	UserID    string
	Goal      string
	Reserved  expressions.Reserved
}

// UnitResult reports what a unit did. Committed holds the descriptions of
// the steps whose outputs were committed, in plan order. Question is set
// when the unit was a clarification step; nothing is committed then.
type UnitResult struct {
	Committed []string
	Text      string
	Question  string
}

// Executor runs scheduling units against a session's variable store.
type Executor struct {
	registry  actions.ActionRegistry
	processor StepProcessor
	subst     *expressions.Substituter
	policy    *validation.Policy
	breakers  *CircuitBreakerRegistry
	pool      *WorkerPool
	hub       streaming.EventHub
	timeout   time.Duration
	logger    *slog.Logger
}

// NewExecutor creates an Executor. processor, policy and hub may be nil.
func NewExecutor(registry actions.ActionRegistry, processor StepProcessor, subst *expressions.Substituter, policy *validation.Policy, hub streaming.EventHub, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	if logger == nil {
		logger = slog.Default()
	}
	if subst == nil {
		subst = expressions.NewSubstituter(0, logger)
	}
	if hub == nil {
		hub = streaming.Nop{}
	}
	return &Executor{
		registry:  registry,
		processor: processor,
		subst:     subst,
		policy:    policy,
		breakers:  NewCircuitBreakerRegistry(cbConfig, logger),
		pool:      NewWorkerPool(cfg.PoolSize),
		hub:       hub,
		timeout:   cfg.ActionTimeout,
		logger:    logger,
	}
}

// Catalog lists the actions the planner may use.
func (e *Executor) Catalog() []actions.ActionInfo {
	return e.registry.List()
}

// Breakers exposes the per-action circuit breakers for diagnostics.
func (e *Executor) Breakers() *CircuitBreakerRegistry { return e.breakers }

// PoolMetrics returns a snapshot of the dispatch pool metrics.
func (e *Executor) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Shutdown waits for in-flight dispatches and refuses new ones.
func (e *Executor) Shutdown() { e.pool.Shutdown() }

// ExecuteUnit runs one unit. Any error is fatal to the batch and leaves vars
// untouched by the failing unit.
func (e *Executor) ExecuteUnit(ctx context.Context, unit Unit, vars *expressions.Variables, env Env) (UnitResult, error) {
	if unit.Len() == 0 {
		return UnitResult{}, nil
	}
	step := &unit.Steps[0]
	switch {
	case unit.Group || step.Type == schema.StepTypeAction:
		return e.runActions(ctx, unit, vars, env)
	case step.Type == schema.StepTypeProcessing:
		return e.runProcessing(ctx, step, vars, env)
	case step.Type == schema.StepTypeClarification:
		q := e.subst.Render(ctx, step.QuestionTemplate, vars, env.Reserved)
		return UnitResult{Question: q}, nil
	default:
		return UnitResult{}, schema.NewErrorf(schema.ErrCodeInconsistentState, "unknown step type %q", step.Type).
			WithStep(stepName(step))
	}
}

type dispatchResult struct {
	out *actions.ActionOutput
	err error
}

// runActions dispatches every action of the unit concurrently and commits
// their outputs only when all of them succeeded.
func (e *Executor) runActions(ctx context.Context, unit Unit, vars *expressions.Variables, env Env) (UnitResult, error) {
	steps := unit.Steps
	session := actions.SessionContext{SessionID: env.SessionID, UserID: env.UserID, Variables: vars.Snapshot()}

	args := make([]map[string]any, len(steps))
	for i := range steps {
		args[i] = e.subst.SubstituteArgs(ctx, steps[i].Arguments, vars, env.Reserved)
	}

	if unit.Len() > 1 {
		e.publish(ctx, env.SessionID, "", schema.EventGroupStarted, map[string]any{"size": unit.Len()})
	}

	results := make([]dispatchResult, len(steps))
	tasks := make([]func(context.Context) error, len(steps))
	for i := range steps {
		i := i
		tasks[i] = func(ctx context.Context) error {
			out, err := e.dispatch(ctx, &steps[i], args[i], session)
			results[i] = dispatchResult{out: out, err: err}
			return err
		}
	}
	errs := e.pool.RunAll(ctx, tasks)

	for i, err := range errs {
		if err == nil {
			continue
		}
		// Submission failures and recovered panics never reach results.
		if results[i].err == nil {
			err = actionError(&steps[i], schema.NewError(schema.ErrCodeActionExecution, err.Error()))
		}
		if unit.Len() > 1 {
			e.logger.WarnContext(ctx, "parallel group failed; discarding member outputs",
				"failed_action", steps[i].Action, "group_size", unit.Len())
		}
		return UnitResult{}, err
	}

	var res UnitResult
	for i := range steps {
		if err := vars.Set(steps[i].OutputVar, results[i].out.Value()); err != nil {
			return UnitResult{}, schema.AsConductorError(err, schema.ErrCodeValidation).WithStep(stepName(&steps[i]))
		}
		res.Committed = append(res.Committed, stepName(&steps[i]))
		if results[i].out != nil {
			res.Text = results[i].out.Result
		}
	}
	if unit.Len() > 1 {
		e.publish(ctx, env.SessionID, "", schema.EventGroupCompleted, map[string]any{"size": unit.Len()})
	}
	return res, nil
}

// dispatch runs one action under the policy, its circuit breaker and the
// per-action timeout.
func (e *Executor) dispatch(ctx context.Context, step *schema.StepDefinition, args map[string]any, session actions.SessionContext) (*actions.ActionOutput, error) {
	ctx = logging.WithStep(ctx, step.Action)
	e.publish(ctx, session.SessionID, step.Action, schema.EventStepStarted, nil)
	start := time.Now()

	out, err := e.dispatchGuarded(ctx, step, args, session)

	if err != nil {
		e.logger.WarnContext(ctx, "action failed", "kind", schema.KindOf(err), "error", err)
		e.publish(ctx, session.SessionID, step.Action, schema.EventStepFailed, map[string]any{
			"kind": schema.KindOf(err), "error": err.Error(),
		})
		return nil, err
	}
	e.logger.DebugContext(ctx, "action completed", "duration", time.Since(start))
	e.publish(ctx, session.SessionID, step.Action, schema.EventStepCompleted, map[string]any{
		"output_var": step.OutputVar, "duration_ms": time.Since(start).Milliseconds(),
	})
	return out, nil
}

func (e *Executor) dispatchGuarded(ctx context.Context, step *schema.StepDefinition, args map[string]any, session actions.SessionContext) (*actions.ActionOutput, error) {
	if err := e.policy.Check(ctx, step.Action, args, session.SessionID, session.UserID); err != nil {
		e.logger.WarnContext(ctx, "dispatch denied by policy", "error", err)
		return nil, actionError(step, err)
	}
	done, err := e.breakers.Allow(step.Action)
	if err != nil {
		return nil, actionError(step, err)
	}
	out, err := e.execute(ctx, step, args, session)
	done(err)
	return out, err
}

// execute runs the action under the per-action timeout.
func (e *Executor) execute(ctx context.Context, step *schema.StepDefinition, args map[string]any, session actions.SessionContext) (*actions.ActionOutput, error) {
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// The action runs on its own goroutine so a dispatch that ignores
	// cancellation still yields a timeout on schedule.
	done := make(chan dispatchResult, 1)
	go func() {
		out, err := e.registry.Execute(actx, step.Action, args, session)
		done <- dispatchResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if timedOut(ctx, actx) {
				return nil, e.timeoutError(step)
			}
			return nil, actionError(step, r.err)
		}
		if r.out == nil {
			r.out = &actions.ActionOutput{}
		}
		return r.out, nil
	case <-actx.Done():
		if timedOut(ctx, actx) {
			return nil, e.timeoutError(step)
		}
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "action %q cancelled", step.Action).
			WithStep(stepName(step)).WithCause(ctx.Err())
	}
}

func timedOut(parent, actx context.Context) bool {
	return parent.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded)
}

func (e *Executor) timeoutError(step *schema.StepDefinition) error {
	return schema.NewErrorf(schema.ErrCodeActionTimeout, "action %q timed out after %s", step.Action, e.timeout).
		WithStep(stepName(step))
}

// actionError normalizes a dispatch failure into a caller-facing error that
// names the action. Argument problems are execution errors of that action.
func actionError(step *schema.StepDefinition, err error) error {
	ce := schema.AsConductorError(err, schema.ErrCodeActionExecution)
	code := ce.Code
	switch code {
	case schema.ErrCodeActionNotFound, schema.ErrCodeActionExecution, schema.ErrCodeActionTimeout,
		schema.ErrCodePolicyDenied, schema.ErrCodeCircuitOpen, schema.ErrCodeCancelled:
	default:
		code = schema.ErrCodeActionExecution
	}
	msg := ce.Message
	if !strings.Contains(msg, step.Action) {
		msg = fmt.Sprintf("action %q: %s", step.Action, msg)
	}
	out := schema.NewError(code, msg).WithStep(stepName(step)).WithDetails(ce.Details)
	if ce.Cause != nil {
		out = out.WithCause(ce.Cause)
	}
	return out
}

func (e *Executor) runProcessing(ctx context.Context, step *schema.StepDefinition, vars *expressions.Variables, env Env) (UnitResult, error) {
	ctx = logging.WithStep(ctx, stepName(step))
	if e.processor == nil {
		return UnitResult{}, schema.NewError(schema.ErrCodeProcessing, "no text generator configured").WithStep(stepName(step))
	}
	e.publish(ctx, env.SessionID, stepName(step), schema.EventStepStarted, nil)

	text, err := e.processor.Process(ctx, step, vars, env.Reserved, env.Goal)
	if err != nil {
		ce := schema.AsConductorError(err, schema.ErrCodeProcessing)
		if ce.Code != schema.ErrCodeProcessing {
			ce = schema.NewError(schema.ErrCodeProcessing, ce.Message).WithCause(err)
		}
		if ce.Step == "" {
			ce = ce.WithStep(stepName(step))
		}
		e.publish(ctx, env.SessionID, stepName(step), schema.EventStepFailed, map[string]any{"error": ce.Error()})
		return UnitResult{}, ce
	}
	if err := vars.Set(step.OutputVar, text); err != nil {
		return UnitResult{}, schema.AsConductorError(err, schema.ErrCodeValidation).WithStep(stepName(step))
	}
	e.publish(ctx, env.SessionID, stepName(step), schema.EventStepCompleted, map[string]any{"output_var": step.OutputVar})
	return UnitResult{Committed: []string{stepName(step)}, Text: text}, nil
}

func (e *Executor) publish(ctx context.Context, sessionID, step, eventType string, payload map[string]any) {
	err := e.hub.Publish(ctx, streaming.StreamEvent{
		SessionID: sessionID,
		Step:      step,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "publish step event", "event", eventType, "error", err)
	}
}

// stepName is the description used in the executed-step log and in errors.
func stepName(step *schema.StepDefinition) string {
	if step.Description != "" {
		return step.Description
	}
	return step.Label()
}
