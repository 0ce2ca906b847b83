package expressions

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/conductor/pkg/schema"
)

// Variables is the per-session variable store. Values are written only under
// top-level names and read through paths like "a.b[0].c". Nothing is ever
// removed during a session.
type Variables struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewVariables creates a store seeded with a copy of initial.
func NewVariables(initial map[string]any) *Variables {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Variables{values: values}
}

// Set binds value to the top-level name, replacing any previous binding.
func (v *Variables) Set(name string, value any) error {
	if !ValidName(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid variable name %q", name)
	}
	v.mu.Lock()
	v.values[name] = value
	v.mu.Unlock()
	return nil
}

// Resolve looks up a path. The second result is false when any segment is missing.
func (v *Variables) Resolve(path string) (any, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	root, ok := v.values[segs[0].key]
	if !ok {
		return nil, false
	}
	return traverse(root, segs[1:])
}

// Has reports whether path resolves.
func (v *Variables) Has(path string) bool {
	_, ok := v.Resolve(path)
	return ok
}

// Names returns the sorted top-level names.
func (v *Variables) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.values))
	for k := range v.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of top-level bindings.
func (v *Variables) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.values)
}

// Snapshot returns a deep copy of all bindings. Callers may mutate it freely.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return deepCopyMap(v.values)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny copies JSON-shaped values. Other types are returned as-is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
