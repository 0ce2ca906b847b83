package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq filters for the jq action. Filters see no process
// environment: $ENV is always empty.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		programs: newProgramCache("jq", DefaultProgramCacheSize, func(src string) (*gojq.Code, error) {
			query, err := gojq.Parse(src)
			if err != nil {
				return nil, err
			}
			return gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		}),
	}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a filter with data as the input object.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	return e.Run(ctx, expression, data)
}

// Run evaluates a filter against any JSON-shaped input. One output is
// returned as is, several are collected into []any and none yields nil.
func (e *GoJQEngine) Run(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, jqValue(input))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// jqValue converts Go numbers to float64 and typed slices/maps produced by
// actions into the shapes gojq accepts.
func jqValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jqValue(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
