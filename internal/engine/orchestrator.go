package engine

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/planning"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// DefaultHistoryLimit bounds the history entry synthesized for continuation.
const DefaultHistoryLimit = 2000

// OrchestratorConfig holds configuration for the orchestrator.
type OrchestratorConfig struct {
	MaxActions   int
	HistoryLimit int
	// Prompts is used to check prompt keys of incoming plans. May be nil.
	Prompts validation.PromptLookup
}

// TurnRequest is one conversational turn.
type TurnRequest struct {
	SessionID           string         `json:"session_id"`
	UserID              string         `json:"user_id,omitempty"`
	Input               string         `json:"input"`
	ConversationSummary string         `json:"conversation_summary,omitempty"`
	UserContext         map[string]any `json:"user_context,omitempty"`
}

// Orchestrator drives sessions through planning, execution, clarification
// and continuation. It owns every WorkflowState mutation.
type Orchestrator struct {
	store    store.Store
	planner  planning.Planner
	executor *Executor
	fsm      *WorkflowFSM
	locks    *sessionLocks
	config   OrchestratorConfig
	logger   *slog.Logger
	newID    func() string
}

// NewOrchestrator wires an orchestrator. hub receives session lifecycle
// events and may be nil.
func NewOrchestrator(st store.Store, planner planning.Planner, executor *Executor, hub streaming.EventHub, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = planning.DefaultMaxActions
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		planner:  planner,
		executor: executor,
		fsm:      NewWorkflowFSM(hub, logger),
		locks:    newSessionLocks(),
		config:   cfg,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// turn carries the state of one HandleTurn call.
type turn struct {
	req   TurnRequest
	state *schema.WorkflowState
	vars  *expressions.Variables
	text  string
	err   error
}

// HandleTurn processes one turn for a session and returns the result
// envelope. The error return is reserved for infrastructure failures
// (store, cancellation); orchestration failures are reported in the
// envelope.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (*schema.TurnResult, error) {
	if req.SessionID == "" {
		req.SessionID = o.newID()
	}
	ctx = logging.WithSession(ctx, req.SessionID, req.UserID)

	if err := o.locks.Lock(ctx, req.SessionID); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "turn cancelled while waiting for session").WithCause(err)
	}
	defer o.locks.Unlock(req.SessionID)

	state, err := o.store.Load(ctx, req.SessionID)
	if err != nil && !store.IsNotFound(err) {
		return nil, err
	}

	t := &turn{req: req}
	if state == nil {
		o.startCycle(ctx, t)
		return o.finish(ctx, t)
	}

	t.state = state
	t.vars = expressions.NewVariables(state.Variables)
	state.CurrentQuery = req.Input

	switch {
	case state.Status == schema.WorkflowStatusWaitingForClarification && state.AwaitingPlanClarification:
		o.replanWithAnswer(ctx, t)
	case state.Status == schema.WorkflowStatusWaitingForClarification:
		o.resumeClarification(ctx, t)
	case state.Status == schema.WorkflowStatusPausedForContinuation:
		o.resumeContinuation(ctx, t)
	default:
		o.inconsistent(ctx, t, "session in status %q cannot be resumed", state.Status)
	}
	return o.finish(ctx, t)
}

// Status returns the stored state of a session.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	return o.store.Load(ctx, sessionID)
}

// Reset discards a session, waiting for any turn in progress.
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) error {
	if err := o.locks.Lock(ctx, sessionID); err != nil {
		return schema.NewError(schema.ErrCodeCancelled, "reset cancelled while waiting for session").WithCause(err)
	}
	defer o.locks.Unlock(sessionID)
	return o.store.Delete(ctx, sessionID)
}

// startCycle opens a fresh session goal with the turn input.
func (o *Orchestrator) startCycle(ctx context.Context, t *turn) {
	t.state = &schema.WorkflowState{
		SessionID:     t.req.SessionID,
		UserID:        t.req.UserID,
		Status:        schema.WorkflowStatusPending,
		Variables:     map[string]any{},
		OverallGoal:   t.req.Input,
		OriginalQuery: t.req.Input,
		CurrentQuery:  t.req.Input,
	}
	t.vars = expressions.NewVariables(nil)

	if !o.transition(ctx, t, schema.WorkflowStatusPlanning) {
		return
	}
	o.plan(ctx, t, t.req.Input, t.req.ConversationSummary, false)
}

// replanWithAnswer handles the answer to a planner-level clarification.
func (o *Orchestrator) replanWithAnswer(ctx context.Context, t *turn) {
	st := t.state
	goal := st.OverallGoal + "\nClarification: " + t.req.Input
	st.OverallGoal = goal
	st.PendingClarification = ""
	st.AwaitingPlanClarification = false
	if !o.transition(ctx, t, schema.WorkflowStatusPlanning) {
		return
	}
	o.plan(ctx, t, goal, t.req.ConversationSummary, false)
}

// resumeClarification writes the answer of a clarification step and resumes
// the same plan at the next step.
func (o *Orchestrator) resumeClarification(ctx context.Context, t *turn) {
	st := t.state
	step := st.CurrentStep()
	if step == nil || step.Type != schema.StepTypeClarification {
		o.inconsistent(ctx, t, "session awaits a clarification but its plan has no clarification step at %d", st.Cursor)
		return
	}
	if err := t.vars.Set(step.ExpectedResponseVar, t.req.Input); err != nil {
		o.inconsistent(ctx, t, "clarification step writes invalid variable %q", step.ExpectedResponseVar)
		return
	}
	st.ExecutedStepLog = append(st.ExecutedStepLog, stepName(step))
	st.Cursor++
	st.PendingClarification = ""
	if !o.transition(ctx, t, schema.WorkflowStatusRunning) {
		return
	}
	o.run(ctx, t)
}

// resumeContinuation interprets the answer to a paused partial plan.
func (o *Orchestrator) resumeContinuation(ctx context.Context, t *turn) {
	kind := classifyReply(t.req.Input)
	switch kind {
	case replyAffirmative, replyQualified:
		st := t.state
		if st.OverallGoal == "" {
			o.inconsistent(ctx, t, "paused session has no goal to continue")
			return
		}
		if !o.transition(ctx, t, schema.WorkflowStatusPlanning) {
			return
		}
		summary := strings.TrimSpace(t.req.ConversationSummary + "\n" + o.historyEntry(st))
		if kind == replyQualified {
			summary += "\nUser reply to continue: " + strings.TrimSpace(t.req.Input)
		}
		o.plan(ctx, t, st.OverallGoal, summary, true)
	case replyNegative:
		o.transition(ctx, t, schema.WorkflowStatusCompleted)
	default:
		o.logger.InfoContext(ctx, "paused goal abandoned for new input", "goal", t.state.OverallGoal)
		o.startCycle(ctx, t)
	}
}

// plan acquires a plan and acts on the decision. The session is in Planning.
func (o *Orchestrator) plan(ctx context.Context, t *turn, goal, summary string, continuing bool) {
	decision := o.planner.AcquirePlan(ctx, planning.Request{
		Goal:                goal,
		ConversationSummary: summary,
		UserContext:         t.req.UserContext,
		Catalog:             o.executor.Catalog(),
		MaxActions:          o.config.MaxActions,
	})

	st := t.state
	switch decision.Kind {
	case planning.KindPlan:
		if err := o.acceptPlan(ctx, t, decision); err != nil {
			o.fail(ctx, t, err)
			return
		}
		if !continuing {
			st.OverallGoal = firstNonEmpty(st.Plan.Goal, goal)
		}
		if !o.transition(ctx, t, schema.WorkflowStatusRunning) {
			return
		}
		o.run(ctx, t)

	case planning.KindClarify:
		st.Plan = nil
		st.Cursor = 0
		st.PendingClarification = decision.Question
		st.AwaitingPlanClarification = true
		o.transition(ctx, t, schema.WorkflowStatusWaitingForClarification)

	case planning.KindNone:
		t.text = decision.Message
		o.transition(ctx, t, schema.WorkflowStatusCompleted)

	default:
		msg := firstNonEmpty(decision.Message, "planner returned no decision")
		o.fail(ctx, t, schema.NewError(schema.ErrCodePlanning, msg))
	}
}

// acceptPlan bounds, validates and installs a new plan with cursor 0.
func (o *Orchestrator) acceptPlan(ctx context.Context, t *turn, decision planning.Decision) error {
	plan := decision.Plan
	if plan == nil {
		return schema.NewError(schema.ErrCodePlanning, "planner returned a plan decision without a plan")
	}
	if plan.Goal == "" {
		plan.Goal = t.state.OverallGoal
	}
	dropped := decision.Dropped + planning.Normalize(plan, o.config.MaxActions)
	if dropped > 0 {
		o.logger.WarnContext(ctx, "plan truncated to action bound", "dropped_steps", dropped, "max_actions", o.config.MaxActions)
		o.executor.publish(ctx, t.state.SessionID, "", schema.EventPlanTruncated, map[string]any{
			"dropped_steps": dropped, "max_actions": o.config.MaxActions,
		})
	}

	result := validation.ValidatePlan(plan, o.config.Prompts)
	for _, w := range result.Warnings {
		o.logger.WarnContext(ctx, "plan warning", "path", w.Path, "code", w.Code, "message", w.Message)
	}
	if err := validation.PlanError(result); err != nil {
		return err
	}

	if o.logger.Enabled(ctx, slog.LevelDebug) {
		units := Schedule(plan.Steps, t.vars)
		offsets := make([]int, len(units))
		for i, u := range units {
			offsets[i] = u.Offset
		}
		o.logger.DebugContext(ctx, "plan accepted",
			"steps", len(plan.Steps),
			"actions", schema.CountActions(plan.Steps),
			"unit_offsets", offsets,
			"partial", plan.IsPartial)
	}

	st := t.state
	st.Plan = plan
	st.Cursor = 0
	st.IsPartialPlan = plan.IsPartial
	st.ContinuationSummary = plan.ContinuationSummary
	return nil
}

// run executes units from the cursor until the plan is exhausted, a
// clarification step is reached or a step fails. The session is Running.
func (o *Orchestrator) run(ctx context.Context, t *turn) {
	st := t.state
	env := Env{
		SessionID: st.SessionID,
		UserID:    st.UserID,
		Goal:      st.OverallGoal,
		Reserved:  expressions.Reserved{OriginalQuery: st.OriginalQuery, CurrentQuery: st.CurrentQuery},
	}

	for remaining := st.Remaining(); len(remaining) > 0; remaining = st.Remaining() {
		unit := NextUnit(remaining, t.vars)
		res, err := o.executor.ExecuteUnit(ctx, unit, t.vars, env)
		st.Variables = t.vars.Snapshot()
		if err != nil {
			o.fail(ctx, t, err)
			return
		}
		if res.Question != "" {
			st.PendingClarification = res.Question
			st.AwaitingPlanClarification = false
			o.transition(ctx, t, schema.WorkflowStatusWaitingForClarification)
			return
		}
		st.Cursor += unit.Len()
		st.ExecutedStepLog = append(st.ExecutedStepLog, res.Committed...)
		if res.Text != "" {
			t.text = res.Text
		}
	}

	if st.IsPartialPlan {
		o.transition(ctx, t, schema.WorkflowStatusPausedForContinuation)
		return
	}
	o.transition(ctx, t, schema.WorkflowStatusCompleted)
}

// historyEntry summarizes the work done so far for the continuation planner
// call, bounded by the configured history limit.
func (o *Orchestrator) historyEntry(st *schema.WorkflowState) string {
	var b strings.Builder
	b.WriteString("Work completed so far")
	if len(st.ExecutedStepLog) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(st.ExecutedStepLog, "; "))
	}
	b.WriteString(".")
	if len(st.Variables) > 0 {
		b.WriteString(" Known variables: ")
		b.WriteString(strings.Join(expressions.NewVariables(st.Variables).Names(), ", "))
		b.WriteString(".")
	}
	if st.ContinuationSummary != "" {
		b.WriteString(" Next: ")
		b.WriteString(st.ContinuationSummary)
	}
	return schema.Truncate(b.String(), o.config.HistoryLimit)
}

func (o *Orchestrator) transition(ctx context.Context, t *turn, to schema.WorkflowStatus) bool {
	if err := o.fsm.Transition(ctx, t.state, to); err != nil {
		o.logger.ErrorContext(ctx, "session transition rejected", "error", err)
		o.fail(ctx, t, schema.AsConductorError(err, schema.ErrCodeInvalidTransition))
		return false
	}
	return true
}

func (o *Orchestrator) fail(ctx context.Context, t *turn, err error) {
	t.err = err
	t.state.Error = schema.Truncate(err.Error(), schema.MaxErrorMessage)
	if ferr := o.fsm.Transition(ctx, t.state, schema.WorkflowStatusFailed); ferr != nil {
		o.fsm.Abort(ctx, t.state, t.state.Error)
	}
}

// inconsistent terminates a stored session that cannot be resumed.
func (o *Orchestrator) inconsistent(ctx context.Context, t *turn, format string, args ...any) {
	err := schema.NewErrorf(schema.ErrCodeInconsistentState, format, args...)
	o.logger.ErrorContext(ctx, "inconsistent session state", "error", err)
	t.err = err
	o.fsm.Abort(ctx, t.state, err.Error())
}

// finish persists or deletes the session and builds the envelope.
func (o *Orchestrator) finish(ctx context.Context, t *turn) (*schema.TurnResult, error) {
	st := t.state
	if t.vars != nil {
		st.Variables = t.vars.Snapshot()
	}

	if st.Status.Terminal() {
		if err := o.store.Delete(ctx, st.SessionID); err != nil {
			o.logger.ErrorContext(ctx, "delete finished session", "error", err)
		}
	} else if err := o.store.Save(ctx, st); err != nil {
		return nil, err
	}

	res := &schema.TurnResult{
		SessionID:       st.SessionID,
		TextSummary:     schema.StringPtr(t.text),
		Status:          st.Status,
		ExecutedStepLog: append([]string{}, st.ExecutedStepLog...),
	}
	switch st.Status {
	case schema.WorkflowStatusCompleted, schema.WorkflowStatusPausedForContinuation:
		if len(st.Variables) > 0 {
			res.StructuredData = st.Variables
		}
	}
	switch st.Status {
	case schema.WorkflowStatusWaitingForClarification:
		res.ClarificationQuestion = schema.StringPtr(st.PendingClarification)
	case schema.WorkflowStatusPausedForContinuation:
		res.ContinuationSummary = schema.StringPtr(st.ContinuationSummary)
	}
	if t.err != nil {
		res.Error = schema.NewTurnError(t.err, schema.ErrCodeActionExecution)
	}

	attrs := []any{"status", st.Status, "executed_steps", len(st.ExecutedStepLog)}
	if res.Error != nil {
		attrs = append(attrs, "error_kind", res.Error.Kind, "error", res.Error.Message)
	}
	o.logger.InfoContext(ctx, "turn finished", attrs...)
	return res, nil
}

type reply int

const (
	replyOther reply = iota
	replyAffirmative
	replyNegative
	// replyQualified confirms but carries extra instructions.
	replyQualified
)

var (
	affirmativeReplies = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "sure": true, "ok": true, "okay": true,
		"continue": true, "go on": true, "go ahead": true, "proceed": true, "keep going": true,
		"do it": true, "please continue": true, "yes please": true, "carry on": true,
		"yes continue": true, "ok continue": true, "sure go ahead": true,
	}
	negativeReplies = map[string]bool{
		"no": true, "n": true, "nope": true, "stop": true, "cancel": true, "abort": true,
		"never mind": true, "nevermind": true, "enough": true, "that's enough": true, "no thanks": true,
		"quit": true, "no stop": true, "please stop": true,
	}
	affirmativeLead = map[string]bool{"yes": true, "yeah": true, "yep": true, "sure": true, "ok": true, "okay": true}
)

// classifyReply decides whether input confirms or declines a continuation.
// Only a known phrase confirms or declines outright. A reply that starts
// with a yes word and says more is qualified; anything else, including a
// "no" followed by a new request, is other.
func classifyReply(input string) reply {
	norm := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) && r != '\'' {
			return ' '
		}
		return unicode.ToLower(r)
	}, input)
	words := strings.Fields(norm)
	if len(words) == 0 {
		return replyOther
	}
	phrase := strings.Join(words, " ")
	switch {
	case affirmativeReplies[phrase]:
		return replyAffirmative
	case negativeReplies[phrase]:
		return replyNegative
	case affirmativeLead[words[0]]:
		return replyQualified
	}
	return replyOther
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
