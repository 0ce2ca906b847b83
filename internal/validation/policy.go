package validation

import (
	"context"
	"fmt"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

// Rule is a named CEL expression that must evaluate to true for a dispatch
// to proceed.
type Rule struct {
	Name string
	Expr string
}

// Policy gates action dispatch on a set of CEL rules. A Policy with no rules
// allows everything.
type Policy struct {
	engine *expressions.CELEngine
	rules  []Rule
}

// NewPolicy compiles every rule up front so malformed rules fail at startup.
func NewPolicy(rules []Rule) (*Policy, error) {
	engine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := engine.Compile(r.Expr); err != nil {
			return nil, fmt.Errorf("policy rule %q: %w", r.Name, err)
		}
	}
	return &Policy{engine: engine, rules: rules}, nil
}

// Check evaluates all rules for one dispatch. The first rule that does not
// yield true denies it.
func (p *Policy) Check(ctx context.Context, action string, args map[string]any, sessionID, userID string) error {
	if p == nil || len(p.rules) == 0 {
		return nil
	}
	in := expressions.PolicyInput{Action: action, Args: args, SessionID: sessionID, UserID: userID}
	for _, r := range p.rules {
		allowed, err := p.engine.Allow(ctx, r.Expr, in)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePolicyDenied, "policy rule %q failed to evaluate", r.Name).
				WithStep(action).WithCause(err)
		}
		if !allowed {
			return schema.NewErrorf(schema.ErrCodePolicyDenied, "denied by policy rule %q", r.Name).
				WithStep(action)
		}
	}
	return nil
}

// Len returns the number of rules.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}
