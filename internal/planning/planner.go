// Package planning obtains bounded batches of steps from an external planner.
package planning

import (
	"context"

	"github.com/rendis/conductor/internal/actions"
	"github.com/rendis/conductor/pkg/schema"
)

// DefaultMaxActions bounds the action steps of one plan when unset.
const DefaultMaxActions = 3

// Kind discriminates a planner Decision.
type Kind string

const (
	KindPlan    Kind = "plan"
	KindClarify Kind = "clarify"
	KindNone    Kind = "none"
	KindError   Kind = "error"
)

// Request is everything the planner sees for one acquisition.
type Request struct {
	Goal                string
	ConversationSummary string
	UserContext         map[string]any
	Catalog             []actions.ActionInfo
	MaxActions          int
}

// Decision is the planner's answer. Plan is set for KindPlan, Question for
// KindClarify and Message for KindNone and KindError.
type Decision struct {
	Kind     Kind
	Plan     *schema.Plan
	Question string
	Message  string
	// Dropped counts the steps removed to honour the action bound.
	Dropped int
}

// Planner acquires plans. Implementations never retry on their own; a
// failure is reported as a KindError decision.
type Planner interface {
	AcquirePlan(ctx context.Context, req Request) Decision
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req Request) Decision

func (f PlannerFunc) AcquirePlan(ctx context.Context, req Request) Decision { return f(ctx, req) }

// Errorf builds a KindError decision.
func Errorf(msg string) Decision { return Decision{Kind: KindError, Message: msg} }

// Normalize enforces the per-plan action bound. Steps from the (max+1)-th
// action onward are dropped and the plan is marked partial. A partial plan
// always leaves with a continuation summary. It returns the dropped count.
func Normalize(plan *schema.Plan, max int) int {
	if plan == nil {
		return 0
	}
	if max <= 0 {
		max = DefaultMaxActions
	}

	dropped := 0
	actionsSeen := 0
	for i := range plan.Steps {
		if plan.Steps[i].Type != schema.StepTypeAction {
			continue
		}
		actionsSeen++
		if actionsSeen > max {
			dropped = len(plan.Steps) - i
			plan.Steps = plan.Steps[:i:i]
			plan.IsPartial = true
			break
		}
	}

	if plan.IsPartial && plan.ContinuationSummary == "" {
		plan.ContinuationSummary = "Continue working toward: " + plan.Goal
	}
	return dropped
}
