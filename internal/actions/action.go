package actions

import (
	"context"
	"encoding/json"
)

// Action is a named side-effecting capability the engine may dispatch.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
}

// ActionRegistry manages registration, lookup and dispatch of actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
	Execute(ctx context.Context, name string, args map[string]any, session SessionContext) (*ActionOutput, error)
}

// ActionSchema describes the input contract of an action. Required lists the
// argument names that must be present; when empty it is taken from the
// input schema's "required" array.
type ActionSchema struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Required    []string        `json:"required,omitempty"`
}

// SessionContext identifies the session an action runs for.
type SessionContext struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Params  map[string]any `json:"params"`
	Session SessionContext `json:"session"`
}

// ActionOutput is the result of an action: a text result and optional
// structured data.
type ActionOutput struct {
	Result string `json:"result"`
	Data   any    `json:"data,omitempty"`
}

// Value returns what gets committed to the variable store: the structured
// data when present, otherwise the text result.
func (o *ActionOutput) Value() any {
	if o == nil {
		return nil
	}
	if o.Data != nil {
		return o.Data
	}
	return o.Result
}

// ActionInfo is the catalog entry of a registered action.
type ActionInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
}
