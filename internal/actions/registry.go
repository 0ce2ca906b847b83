package actions

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
	"github.com/tidwall/gjson"
)

// Registry is the concrete thread-safe ActionRegistry implementation.
type Registry struct {
	mu        sync.RWMutex
	actions   map[string]Action
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry. validator may be nil, in which case
// only the required-argument check runs before dispatch.
func NewRegistry(validator *validation.JSONSchemaValidator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Registry{
		actions:   make(map[string]Action),
		validator: validator,
		logger:    logger,
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionNotFound, "action %q not registered", name).WithStep(name)
	}
	return action, nil
}

// List returns the catalog of registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: s.Description,
			Required:    requiredArgs(s),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Execute dispatches a named action. Arguments not declared by the action's
// input schema are logged and dropped; declared-required arguments must be
// present. The remaining arguments are validated against the input schema.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, session SessionContext) (*ActionOutput, error) {
	action, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	s := action.Schema()
	params := r.filterArgs(ctx, name, s, args)

	if missing := missingArgs(requiredArgs(s), params); len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"missing required arguments: %s", strings.Join(missing, ", ")).
			WithStep(name).
			WithDetails(map[string]any{"missing": missing})
	}

	if r.validator != nil && len(s.InputSchema) > 0 {
		if err := r.validator.ValidateInput(params, s.InputSchema); err != nil {
			return nil, schema.AsConductorError(err, schema.ErrCodeValidation).WithStep(name)
		}
	}

	return action.Execute(ctx, ActionInput{Params: params, Session: session})
}

// filterArgs drops arguments that the input schema does not declare. Schemas
// without a properties object accept any argument.
func (r *Registry) filterArgs(ctx context.Context, name string, s ActionSchema, args map[string]any) map[string]any {
	params := make(map[string]any, len(args))
	props := gjson.GetBytes(s.InputSchema, "properties")
	if len(s.InputSchema) == 0 || !props.IsObject() {
		for k, v := range args {
			params[k] = v
		}
		return params
	}

	declared := props.Map()
	var dropped []string
	for k, v := range args {
		if _, ok := declared[k]; ok {
			params[k] = v
			continue
		}
		dropped = append(dropped, k)
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		r.logger.WarnContext(ctx, "dropping undeclared action arguments",
			slog.String("action", name), slog.Any("arguments", dropped))
	}
	return params
}

// requiredArgs returns the declared required arguments of an action.
func requiredArgs(s ActionSchema) []string {
	if len(s.Required) > 0 {
		return s.Required
	}
	var out []string
	gjson.GetBytes(s.InputSchema, "required").ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}

func missingArgs(required []string, params map[string]any) []string {
	var missing []string
	for _, name := range required {
		v, ok := params[name]
		if !ok || v == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// RegisterPlugin registers a plugin's actions as "prefix.name", for example
// "calendar.list_events". The batch is all or nothing: a name collision
// registers none of them.
func (r *Registry) RegisterPlugin(prefix string, acts []Action) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]Action, len(acts))
	for _, a := range acts {
		name := prefix + "." + a.Name()
		_, taken := r.actions[name]
		if _, dup := batch[name]; taken || dup {
			return 0, schema.NewErrorf(schema.ErrCodeConflict, "plugin action %q already registered", name)
		}
		batch[name] = &prefixedAction{inner: a, name: name}
	}
	for name, a := range batch {
		r.actions[name] = a
	}
	return len(batch), nil
}

// has checks if an action is registered.
func (r *Registry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// prefixedAction wraps a plugin action with a prefixed name.
type prefixedAction struct {
	inner Action
	name  string
}

func (p *prefixedAction) Name() string         { return p.name }
func (p *prefixedAction) Schema() ActionSchema { return p.inner.Schema() }

func (p *prefixedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	return p.inner.Execute(ctx, input)
}

var _ ActionRegistry = (*Registry)(nil)
