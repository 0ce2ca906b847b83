package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rendis/conductor/internal/actions"
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/planning"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcAction is an Action backed by a function.
type funcAction struct {
	name     string
	required []string
	fn       func(ctx context.Context, params map[string]any) (*actions.ActionOutput, error)
}

func (a *funcAction) Name() string { return a.name }
func (a *funcAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{Description: "test action " + a.name, Required: a.required}
}
func (a *funcAction) Execute(ctx context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
	return a.fn(ctx, in.Params)
}

func constAction(name, result string) *funcAction {
	return &funcAction{name: name, fn: func(context.Context, map[string]any) (*actions.ActionOutput, error) {
		return &actions.ActionOutput{Result: result}, nil
	}}
}

// stubPlanner replays scripted decisions and records every request.
type stubPlanner struct {
	mu        sync.Mutex
	decisions []planning.Decision
	requests  []planning.Request
}

func (p *stubPlanner) AcquirePlan(_ context.Context, req planning.Request) planning.Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.decisions) == 0 {
		return planning.Errorf("no scripted decision")
	}
	d := p.decisions[0]
	p.decisions = p.decisions[1:]
	return d
}

func (p *stubPlanner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func planDecision(goal string, steps ...schema.StepDefinition) planning.Decision {
	return planning.Decision{Kind: planning.KindPlan, Plan: &schema.Plan{Goal: goal, Steps: steps}}
}

// stubProcessor joins its inputs.
type stubProcessor struct{ err error }

func (p stubProcessor) Process(_ context.Context, step *schema.StepDefinition, vars *expressions.Variables, _ expressions.Reserved, _ string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	parts := []string{}
	for _, name := range step.InputVars {
		v, _ := vars.Resolve(name)
		parts = append(parts, fmt.Sprintf("%s=%v", name, v))
	}
	return "processed: " + strings.Join(parts, ", "), nil
}

type harness struct {
	orch    *Orchestrator
	store   *store.MemoryStore
	planner *stubPlanner
	hub     *streaming.MemoryHub
}

type harnessOpts struct {
	timeout time.Duration
	policy  *validation.Policy
	logs    io.Writer
}

func newHarness(t *testing.T, planner *stubPlanner, opts harnessOpts, acts ...actions.Action) *harness {
	t.Helper()
	var logger *slog.Logger
	if opts.logs != nil {
		logger = slog.New(slog.NewTextHandler(opts.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reg := actions.NewRegistry(nil, logger)
	for _, a := range acts {
		require.NoError(t, reg.Register(a))
	}
	hub := streaming.NewMemoryHub()
	st := store.NewMemoryStore(0, 0)
	exec := NewExecutor(reg, stubProcessor{}, expressions.NewSubstituter(0, logger), opts.policy, hub,
		ExecutorConfig{PoolSize: 4, ActionTimeout: opts.timeout}, logger)
	t.Cleanup(exec.Shutdown)
	return &harness{
		orch:    NewOrchestrator(st, planner, exec, hub, OrchestratorConfig{MaxActions: 3}, logger),
		store:   st,
		planner: planner,
		hub:     hub,
	}
}

func (h *harness) turn(t *testing.T, sessionID, input string) *schema.TurnResult {
	t.Helper()
	res, err := h.orch.HandleTurn(context.Background(), TurnRequest{SessionID: sessionID, UserID: "u1", Input: input})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (h *harness) stored(t *testing.T, sessionID string) bool {
	t.Helper()
	_, err := h.store.Load(context.Background(), sessionID)
	if store.IsNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestOrchestrator_ParallelGroupCompletes(t *testing.T) {
	// Both members must be running at once to get past the barrier.
	var barrier sync.WaitGroup
	barrier.Add(2)
	meet := func(result string) *funcAction {
		return &funcAction{name: result + ".get", fn: func(ctx context.Context, _ map[string]any) (*actions.ActionOutput, error) {
			barrier.Done()
			done := make(chan struct{})
			go func() { barrier.Wait(); close(done) }()
			select {
			case <-done:
				return &actions.ActionOutput{Result: result, Data: map[string]any{"kind": result}}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}}
	}

	planner := &stubPlanner{decisions: []planning.Decision{planDecision("trip info",
		action("weather.get", "weather", nil),
		action("events.get", "events", nil),
	)}}
	h := newHarness(t, planner, harnessOpts{timeout: 2 * time.Second}, meet("weather"), meet("events"))

	res := h.turn(t, "s1", "what's on in Lisbon?")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"kind": "weather"}, res.StructuredData["weather"])
	assert.Equal(t, map[string]any{"kind": "events"}, res.StructuredData["events"])
	assert.Equal(t, []string{"run weather.get", "run events.get"}, res.ExecutedStepLog)
	assert.False(t, h.stored(t, "s1"), "completed sessions are removed")
}

func TestOrchestrator_DependentStepSeesCommittedValue(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	city := &funcAction{name: "geo.city", fn: func(context.Context, map[string]any) (*actions.ActionOutput, error) {
		record("geo.city")
		return &actions.ActionOutput{Result: "Porto"}, nil
	}}
	var gotLoc any
	hotels := &funcAction{name: "hotels.search", fn: func(_ context.Context, p map[string]any) (*actions.ActionOutput, error) {
		record("hotels.search")
		gotLoc = p["loc"]
		return &actions.ActionOutput{Result: "3 hotels"}, nil
	}}

	dependent := action("hotels.search", "hotels", map[string]any{"loc": "{city}"})
	dependent.DependsOnVar = "city"
	planner := &stubPlanner{decisions: []planning.Decision{planDecision("find hotels", action("geo.city", "city", nil), dependent)}}
	h := newHarness(t, planner, harnessOpts{}, city, hotels)

	res := h.turn(t, "s1", "hotels near me")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "Porto", gotLoc)
	assert.Equal(t, []string{"geo.city", "hotels.search"}, order)
	require.NotNil(t, res.TextSummary)
	assert.Equal(t, "3 hotels", *res.TextSummary)
}

func TestOrchestrator_GroupFailureIsAllOrNothing(t *testing.T) {
	bad := &funcAction{name: "events.get", fn: func(context.Context, map[string]any) (*actions.ActionOutput, error) {
		return nil, errors.New("upstream exploded")
	}}
	planner := &stubPlanner{decisions: []planning.Decision{planDecision("trip info",
		action("weather.get", "weather", nil),
		action("events.get", "events", nil),
	)}}
	h := newHarness(t, planner, harnessOpts{}, constAction("weather.get", "sunny"), bad)

	res := h.turn(t, "s1", "trip info")
	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeActionExecution, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "events.get")
	assert.Contains(t, res.Error.Message, "upstream exploded")
	assert.Equal(t, "run events.get", res.Error.Step)
	assert.Nil(t, res.StructuredData)
	assert.Empty(t, res.ExecutedStepLog)
	assert.False(t, h.stored(t, "s1"))
}

func TestExecutor_GroupFailureCommitsNothing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := actions.NewRegistry(nil, logger)
	require.NoError(t, reg.Register(constAction("a", "fine")))
	require.NoError(t, reg.Register(&funcAction{name: "b", fn: func(context.Context, map[string]any) (*actions.ActionOutput, error) {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "b broke")
	}}))
	exec := NewExecutor(reg, nil, nil, nil, nil, ExecutorConfig{}, logger)
	defer exec.Shutdown()

	vars := expressions.NewVariables(nil)
	unit := NextUnit([]schema.StepDefinition{action("a", "a_out", nil), action("b", "b_out", nil)}, vars)
	require.True(t, unit.Group)

	_, err := exec.ExecuteUnit(context.Background(), unit, vars, Env{SessionID: "s"})
	require.Error(t, err)
	assert.False(t, vars.Has("a_out"))
	assert.False(t, vars.Has("b_out"))
	assert.Equal(t, 0, vars.Len())
}

func TestOrchestrator_TruncatesToActionBound(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	steps := make([]schema.StepDefinition, 5)
	acts := make([]actions.Action, 5)
	for i := range steps {
		name := fmt.Sprintf("lookup.%d", i)
		steps[i] = action(name, fmt.Sprintf("out%d", i), nil)
		acts[i] = &funcAction{name: name, fn: func(context.Context, map[string]any) (*actions.ActionOutput, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return &actions.ActionOutput{Result: name}, nil
		}}
	}
	planner := &stubPlanner{decisions: []planning.Decision{planDecision("big job", steps...)}}
	h := newHarness(t, planner, harnessOpts{}, acts...)
	events, cancel, err := h.hub.Subscribe(context.Background(), streaming.EventFilter{
		SessionID: "s1", EventTypes: []string{schema.EventPlanTruncated},
	})
	require.NoError(t, err)
	defer cancel()

	res := h.turn(t, "s1", "do everything")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusPausedForContinuation, res.Status)
	assert.ElementsMatch(t, []string{"lookup.0", "lookup.1", "lookup.2"}, calls)
	require.NotNil(t, res.ContinuationSummary)
	assert.NotEmpty(t, *res.ContinuationSummary)
	assert.Len(t, res.ExecutedStepLog, 3)
	assert.True(t, h.stored(t, "s1"), "paused sessions are kept")

	select {
	case e := <-events:
		assert.Equal(t, schema.EventPlanTruncated, e.EventType)
	default:
		t.Fatal("expected a plan_truncated event")
	}
}

func TestOrchestrator_LogsSchedulePreview(t *testing.T) {
	planner := &stubPlanner{decisions: []planning.Decision{planDecision("trip",
		action("weather.get", "weather", nil),
		action("events.get", "events", nil),
		action("hotel.book", "hotel", map[string]any{"w": "{weather}"}),
	)}}
	var logs strings.Builder
	h := newHarness(t, planner, harnessOpts{logs: &logs},
		constAction("weather.get", "sunny"), constAction("events.get", "gig"), constAction("hotel.book", "ok"))

	res := h.turn(t, "s1", "trip")
	require.Nil(t, res.Error)
	out := logs.String()
	assert.Contains(t, out, `msg="plan accepted"`)
	assert.Contains(t, out, "actions=3")
	assert.Contains(t, out, "unit_offsets=[0 2]")
}

func TestOrchestrator_ClarificationRoundTrip(t *testing.T) {
	var booked any
	book := &funcAction{name: "hotel.book", fn: func(_ context.Context, p map[string]any) (*actions.ActionOutput, error) {
		booked = p["name"]
		return &actions.ActionOutput{Result: "booked"}, nil
	}}
	planner := &stubPlanner{decisions: []planning.Decision{planDecision("book a hotel",
		action("geo.city", "city", nil),
		schema.StepDefinition{Type: schema.StepTypeClarification, Description: "ask hotel",
			QuestionTemplate: "Which hotel in {city}?", ExpectedResponseVar: "hotel"},
		action("hotel.book", "booking", map[string]any{"name": "{hotel}"}),
	)}}
	h := newHarness(t, planner, harnessOpts{}, constAction("geo.city", "Faro"), book)

	res := h.turn(t, "s1", "book me a hotel")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusWaitingForClarification, res.Status)
	require.NotNil(t, res.ClarificationQuestion)
	assert.Equal(t, "Which hotel in Faro?", *res.ClarificationQuestion)

	st, err := h.orch.Status(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Cursor, "cursor stays on the clarification step")

	res = h.turn(t, "s1", "Hotel Faro Mar")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "Hotel Faro Mar", booked)
	assert.Equal(t, "Hotel Faro Mar", res.StructuredData["hotel"])
	assert.Equal(t, 1, planner.calls(), "step-level clarification never re-plans")
	assert.Equal(t, []string{"run geo.city", "ask hotel", "run hotel.book"}, res.ExecutedStepLog)
}

func TestOrchestrator_ContinuationRoundTrip(t *testing.T) {
	first := planDecision("plan a trip", action("weather.get", "weather", nil))
	first.Plan.IsPartial = true
	first.Plan.ContinuationSummary = "Next I will look up events."
	planner := &stubPlanner{decisions: []planning.Decision{
		first,
		planDecision("plan a trip", action("events.get", "events", map[string]any{"q": "{original_query}"})),
	}}
	var query any
	events := &funcAction{name: "events.get", fn: func(_ context.Context, p map[string]any) (*actions.ActionOutput, error) {
		query = p["q"]
		return &actions.ActionOutput{Result: "2 concerts"}, nil
	}}
	h := newHarness(t, planner, harnessOpts{}, constAction("weather.get", "sunny"), events)

	res := h.turn(t, "s1", "trip to Lisbon")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusPausedForContinuation, res.Status)
	require.NotNil(t, res.ContinuationSummary)
	assert.Equal(t, "Next I will look up events.", *res.ContinuationSummary)

	res = h.turn(t, "s1", "Yes, continue!")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, 2, planner.calls(), "exactly one new planner call")

	second := planner.requests[1]
	assert.Equal(t, "plan a trip", second.Goal)
	assert.Contains(t, second.ConversationSummary, "run weather.get")
	assert.Contains(t, second.ConversationSummary, "Next I will look up events.")

	assert.Equal(t, "sunny", res.StructuredData["weather"], "variables survive continuation")
	assert.Equal(t, "2 concerts", res.StructuredData["events"])
	assert.Equal(t, "trip to Lisbon", query)
	assert.Equal(t, []string{"run weather.get", "run events.get"}, res.ExecutedStepLog)
}

func TestOrchestrator_ContinuationDeclined(t *testing.T) {
	first := planDecision("plan a trip", action("weather.get", "weather", nil))
	first.Plan.IsPartial = true
	planner := &stubPlanner{decisions: []planning.Decision{first}}
	h := newHarness(t, planner, harnessOpts{}, constAction("weather.get", "sunny"))

	h.turn(t, "s1", "trip")
	res := h.turn(t, "s1", "no thanks")
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, 1, planner.calls())
	assert.Equal(t, "sunny", res.StructuredData["weather"])
	assert.False(t, h.stored(t, "s1"))
}

func TestOrchestrator_ContinuationAbandonedForNewRequest(t *testing.T) {
	first := planDecision("plan a trip", action("weather.get", "weather", nil))
	first.Plan.IsPartial = true
	planner := &stubPlanner{decisions: []planning.Decision{
		first,
		{Kind: planning.KindNone, Message: "It is 10:00."},
	}}
	h := newHarness(t, planner, harnessOpts{}, constAction("weather.get", "sunny"))

	h.turn(t, "s1", "trip")
	res := h.turn(t, "s1", "what time is it?")
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	require.NotNil(t, res.TextSummary)
	assert.Equal(t, "It is 10:00.", *res.TextSummary)
	assert.Equal(t, "what time is it?", planner.requests[1].Goal)
}

func TestOrchestrator_ContinuationRejectedWithNewRequest(t *testing.T) {
	first := planDecision("plan a trip", action("weather.get", "weather", nil))
	first.Plan.IsPartial = true
	planner := &stubPlanner{decisions: []planning.Decision{
		first,
		planDecision("flights to Rome", action("flights.search", "flights", nil)),
	}}
	h := newHarness(t, planner, harnessOpts{},
		constAction("weather.get", "sunny"), constAction("flights.search", "3 flights"))

	h.turn(t, "s1", "trip")
	res := h.turn(t, "s1", "No, search flights to Rome instead")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	require.Equal(t, 2, planner.calls(), "the new request is planned")
	assert.Equal(t, "No, search flights to Rome instead", planner.requests[1].Goal)
	assert.Equal(t, "3 flights", res.StructuredData["flights"])
}

func TestOrchestrator_QualifiedContinuationReachesPlanner(t *testing.T) {
	first := planDecision("plan a trip", action("weather.get", "weather", nil))
	first.Plan.IsPartial = true
	planner := &stubPlanner{decisions: []planning.Decision{
		first,
		planDecision("plan a trip", action("events.get", "events", nil)),
	}}
	h := newHarness(t, planner, harnessOpts{},
		constAction("weather.get", "sunny"), constAction("events.get", "1 concert"))

	h.turn(t, "s1", "trip")
	res := h.turn(t, "s1", "ok, but only Porto")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	require.Equal(t, 2, planner.calls())

	second := planner.requests[1]
	assert.Equal(t, "plan a trip", second.Goal)
	assert.Contains(t, second.ConversationSummary, "ok, but only Porto")
	assert.Contains(t, second.ConversationSummary, "run weather.get")
}

func TestOrchestrator_PlannerClarification(t *testing.T) {
	planner := &stubPlanner{decisions: []planning.Decision{
		{Kind: planning.KindClarify, Question: "Which city?"},
		planDecision("weather in Lisbon", action("weather.get", "weather", nil)),
	}}
	h := newHarness(t, planner, harnessOpts{}, constAction("weather.get", "sunny"))

	res := h.turn(t, "s1", "what's the weather?")
	assert.Equal(t, schema.WorkflowStatusWaitingForClarification, res.Status)
	require.NotNil(t, res.ClarificationQuestion)
	assert.Equal(t, "Which city?", *res.ClarificationQuestion)

	res = h.turn(t, "s1", "Lisbon")
	require.Nil(t, res.Error)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "what's the weather?\nClarification: Lisbon", planner.requests[1].Goal)
}

func TestOrchestrator_PlannerOutcomes(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		h := newHarness(t, &stubPlanner{decisions: []planning.Decision{planning.Errorf("planner unreachable: dial tcp")}}, harnessOpts{})
		res := h.turn(t, "s1", "hi")
		assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, schema.ErrCodePlanning, res.Error.Kind)
		assert.False(t, h.stored(t, "s1"))
	})
	t.Run("none", func(t *testing.T) {
		h := newHarness(t, &stubPlanner{decisions: []planning.Decision{{Kind: planning.KindNone, Message: "Hello!"}}}, harnessOpts{})
		res := h.turn(t, "s1", "hi")
		assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
		require.NotNil(t, res.TextSummary)
		assert.Equal(t, "Hello!", *res.TextSummary)
		assert.Nil(t, res.Error)
	})
	t.Run("invalid plan", func(t *testing.T) {
		bad := planDecision("g", schema.StepDefinition{Type: schema.StepTypeAction, OutputVar: "x"})
		h := newHarness(t, &stubPlanner{decisions: []planning.Decision{bad}}, harnessOpts{})
		res := h.turn(t, "s1", "hi")
		assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
		assert.Equal(t, schema.ErrCodePlanning, res.Error.Kind)
	})
	t.Run("empty partial plan", func(t *testing.T) {
		empty := planDecision("g")
		empty.Plan.IsPartial = true
		h := newHarness(t, &stubPlanner{decisions: []planning.Decision{empty}}, harnessOpts{})
		res := h.turn(t, "s1", "hi")
		assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, schema.ErrCodePlanning, res.Error.Kind)
		assert.False(t, h.stored(t, "s1"))
	})
	t.Run("continuation planning error", func(t *testing.T) {
		first := planDecision("g", action("a", "a", nil))
		first.Plan.IsPartial = true
		planner := &stubPlanner{decisions: []planning.Decision{first, planning.Errorf("malformed planner reply")}}
		h := newHarness(t, planner, harnessOpts{}, constAction("a", "x"))
		h.turn(t, "s1", "go")
		res := h.turn(t, "s1", "continue")
		assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
		assert.Equal(t, schema.ErrCodePlanning, res.Error.Kind)
		assert.False(t, h.stored(t, "s1"))
	})
}

func TestOrchestrator_ActionFailures(t *testing.T) {
	slow := &funcAction{name: "slow.op", fn: func(context.Context, map[string]any) (*actions.ActionOutput, error) {
		time.Sleep(500 * time.Millisecond)
		return &actions.ActionOutput{Result: "late"}, nil
	}}
	needsCity := &funcAction{name: "weather.get", required: []string{"city"},
		fn: func(context.Context, map[string]any) (*actions.ActionOutput, error) {
			return &actions.ActionOutput{Result: "sunny"}, nil
		}}
	policy, err := validation.NewPolicy([]validation.Rule{{Name: "no-danger", Expr: `!action.startsWith("danger.")`}})
	require.NoError(t, err)

	tests := []struct {
		name   string
		action string
		kind   string
	}{
		{"timeout", "slow.op", schema.ErrCodeActionTimeout},
		{"not found", "missing.action", schema.ErrCodeActionNotFound},
		{"missing required argument", "weather.get", schema.ErrCodeActionExecution},
		{"policy", "danger.op", schema.ErrCodePolicyDenied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			planner := &stubPlanner{decisions: []planning.Decision{planDecision("g", action(tc.action, "out", nil))}}
			h := newHarness(t, planner, harnessOpts{timeout: 50 * time.Millisecond, policy: policy},
				slow, needsCity, constAction("danger.op", "boom"))

			res := h.turn(t, "s1", "go")
			assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, tc.kind, res.Error.Kind)
			assert.Contains(t, res.Error.Message, tc.action)
			assert.LessOrEqual(t, len([]rune(res.Error.Message)), schema.MaxErrorMessage)
			assert.False(t, h.stored(t, "s1"))
		})
	}
}

func TestOrchestrator_ProcessingStep(t *testing.T) {
	planner := &stubPlanner{decisions: []planning.Decision{planDecision("summarize weather",
		action("weather.get", "weather", nil),
		schema.StepDefinition{Type: schema.StepTypeProcessing, Description: "summarize",
			PromptKey: "summarize", InputVars: []string{"weather"}, OutputVar: "summary"},
	)}}
	h := newHarness(t, planner, harnessOpts{}, constAction("weather.get", "sunny"))

	res := h.turn(t, "s1", "weather?")
	require.Nil(t, res.Error)
	require.NotNil(t, res.TextSummary)
	assert.Equal(t, "processed: weather=sunny", *res.TextSummary)
	assert.Equal(t, "processed: weather=sunny", res.StructuredData["summary"])
}

func TestOrchestrator_ProcessingFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := NewExecutor(actions.NewRegistry(nil, logger), stubProcessor{err: errors.New("model offline")}, nil, nil, nil, ExecutorConfig{}, logger)
	defer exec.Shutdown()

	step := schema.StepDefinition{Type: schema.StepTypeProcessing, Description: "summarize", PromptKey: "summarize", OutputVar: "s"}
	_, err := exec.ExecuteUnit(context.Background(), Unit{Steps: []schema.StepDefinition{step}}, expressions.NewVariables(nil), Env{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProcessing, schema.KindOf(err))
	assert.Contains(t, err.Error(), "summarize")
}

func TestOrchestrator_InconsistentState(t *testing.T) {
	tests := []struct {
		name  string
		state *schema.WorkflowState
	}{
		{"clarification without plan", &schema.WorkflowState{SessionID: "s1", Status: schema.WorkflowStatusWaitingForClarification}},
		{"cursor past plan", &schema.WorkflowState{SessionID: "s1", Status: schema.WorkflowStatusWaitingForClarification,
			Plan: &schema.Plan{Goal: "g", Steps: []schema.StepDefinition{action("a", "a", nil)}}, Cursor: 3}},
		{"not resumable", &schema.WorkflowState{SessionID: "s1", Status: schema.WorkflowStatusRunning}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			planner := &stubPlanner{}
			h := newHarness(t, planner, harnessOpts{})
			require.NoError(t, h.store.Save(context.Background(), tc.state))

			res := h.turn(t, "s1", "answer")
			assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, schema.ErrCodeInconsistentState, res.Error.Kind)
			assert.False(t, h.stored(t, "s1"), "session is cleared")
			assert.Zero(t, planner.calls())
		})
	}
}

func TestOrchestrator_AssignsSessionID(t *testing.T) {
	h := newHarness(t, &stubPlanner{decisions: []planning.Decision{{Kind: planning.KindClarify, Question: "What?"}}}, harnessOpts{})
	h.orch.newID = func() string { return "generated" }

	res, err := h.orch.HandleTurn(context.Background(), TurnRequest{Input: "hm"})
	require.NoError(t, err)
	assert.Equal(t, "generated", res.SessionID)
	assert.True(t, h.stored(t, "generated"))

	require.NoError(t, h.orch.Reset(context.Background(), "generated"))
	assert.False(t, h.stored(t, "generated"))
}

func TestOrchestrator_SerializesTurnsPerSession(t *testing.T) {
	h := newHarness(t, &stubPlanner{}, harnessOpts{})
	require.NoError(t, h.orch.locks.Lock(context.Background(), "busy"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.orch.HandleTurn(ctx, TurnRequest{SessionID: "busy", Input: "hi"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.KindOf(err))

	res, err := h.orch.HandleTurn(context.Background(), TurnRequest{SessionID: "other", Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, res.Status, "unscripted planner fails the turn")

	h.orch.locks.Unlock("busy")
	assert.Zero(t, h.orch.locks.size())
}

func TestClassifyReply(t *testing.T) {
	tests := map[string]reply{
		"yes":             replyAffirmative,
		"  Yes, please ":  replyAffirmative,
		"Yes, continue!":  replyAffirmative,
		"Go on.":          replyAffirmative,
		"no":              replyNegative,
		"Stop!":           replyNegative,
		"that's enough":   replyNegative,
		"what about Rome": replyOther,
		"":                replyOther,

		"No, search flights to Rome instead": replyOther,
		"ok, but only Porto":                 replyQualified,
	}
	for input, want := range tests {
		assert.Equal(t, want, classifyReply(input), input)
	}
}
