package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/conductor/internal/expressions"
)

const exprEvalInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "data": {}
  },
  "required": ["expression"]
}`

const jqInputSchema = `{
  "type": "object",
  "properties": {
    "filter": {"type": "string", "minLength": 1},
    "input": {}
  },
  "required": ["filter", "input"]
}`

// ExprActions returns the expression evaluation actions.
func ExprActions() []Action {
	return []Action{
		&exprEvalAction{engine: expressions.NewExprEngine()},
		&jqAction{engine: expressions.NewGoJQEngine()},
	}
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an expr-lang expression over 'data' and the session variables",
		InputSchema: json.RawMessage(exprEvalInputSchema),
	}
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	expression := stringParam(input.Params, "expression", "")

	// Session variables are visible by name; explicit data wins on "data".
	env := make(map[string]any, len(input.Session.Variables)+1)
	for k, v := range input.Session.Variables {
		env[k] = v
	}
	if data, ok := input.Params["data"]; ok {
		env["data"] = data
	}

	result, err := a.engine.Evaluate(ctx, expression, env)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Result: compactText(result), Data: result}, nil
}

// --- jq ---

type jqAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqAction) Name() string { return "jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a jq filter over 'input'",
		InputSchema: json.RawMessage(jqInputSchema),
	}
}

func (a *jqAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	result, err := a.engine.Run(ctx, stringParam(input.Params, "filter", ""), input.Params["input"])
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Result: compactText(result), Data: result}, nil
}
