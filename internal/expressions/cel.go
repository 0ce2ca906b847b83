package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// PolicyInput is what a dispatch rule sees:
//
//	action   string             action being dispatched
//	args     map(string, dyn)   substituted arguments
//	session  map(string, dyn)   session_id, user_id
type PolicyInput struct {
	Action    string
	Args      map[string]any
	SessionID string
	UserID    string
}

func (in PolicyInput) activation() map[string]any {
	args := in.Args
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"action":  in.Action,
		"args":    args,
		"session": map[string]any{"session_id": in.SessionID, "user_id": in.UserID},
	}
}

// CELEngine evaluates dispatch policy rules. Rules must be boolean; this is
// checked at compile time.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	dynMap := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("args", dynMap),
		cel.Variable("session", dynMap),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache("CEL", DefaultProgramCacheSize, e.compile)
	return e, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("rule yields %s, want bool", out)
	}
	return e.env.Program(ast)
}

func (e *CELEngine) Name() string { return "cel" }

// Compile checks a rule and caches its program.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// Allow evaluates a rule for one dispatch. A non-boolean result counts as
// a denial.
func (e *CELEngine) Allow(ctx context.Context, expression string, in PolicyInput) (bool, error) {
	out, err := e.eval(ctx, expression, in.activation())
	if err != nil {
		return false, err
	}
	allowed, ok := out.(bool)
	return ok && allowed, nil
}

// Evaluate runs a rule against a raw activation. Absent variables are
// filled with empty values.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	in := PolicyInput{}
	if data != nil {
		in.Action, _ = data["action"].(string)
		in.Args, _ = data["args"].(map[string]any)
		if s, ok := data["session"].(map[string]any); ok {
			in.SessionID, _ = s["session_id"].(string)
			in.UserID, _ = s["user_id"].(string)
		}
	}
	return e.eval(ctx, expression, in.activation())
}

func (e *CELEngine) eval(ctx context.Context, expression string, activation map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
