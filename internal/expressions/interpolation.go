package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Reserved placeholder names bound to the session's turn inputs.
const (
	ReservedOriginalQuery = "original_query"
	ReservedCurrentQuery  = "current_query"
)

// DefaultMaxPasses bounds iterative substitution.
const DefaultMaxPasses = 5

// Reserved carries the values of the reserved placeholders.
type Reserved struct {
	OriginalQuery string
	CurrentQuery  string
}

func (r Reserved) lookup(name string) (string, bool) {
	switch name {
	case ReservedOriginalQuery:
		return r.OriginalQuery, true
	case ReservedCurrentQuery:
		return r.CurrentQuery, true
	}
	return "", false
}

// Substituter replaces {path} placeholders with values from a Variables store.
// Unresolved placeholders are logged and left verbatim.
type Substituter struct {
	maxPasses int
	logger    *slog.Logger
}

// NewSubstituter creates a Substituter. maxPasses <= 0 uses DefaultMaxPasses.
func NewSubstituter(maxPasses int, logger *slog.Logger) *Substituter {
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Substituter{maxPasses: maxPasses, logger: logger}
}

// Substitute resolves placeholders in strings found anywhere inside value
// (maps and slices are walked). The input is never mutated.
func (s *Substituter) Substitute(ctx context.Context, value any, vars *Variables, reserved Reserved) any {
	switch v := value.(type) {
	case string:
		return s.substituteString(ctx, v, vars, reserved)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = s.Substitute(ctx, item, vars, reserved)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.Substitute(ctx, item, vars, reserved)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.substituteString(ctx, item, vars, reserved)
		}
		return out
	default:
		return value
	}
}

// SubstituteArgs resolves every argument value of an action call.
func (s *Substituter) SubstituteArgs(ctx context.Context, args map[string]any, vars *Variables, reserved Reserved) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = s.Substitute(ctx, v, vars, reserved)
	}
	return out
}

// Render substitutes placeholders in text and always returns a string.
func (s *Substituter) Render(ctx context.Context, text string, vars *Variables, reserved Reserved) string {
	out := s.substituteString(ctx, text, vars, reserved)
	if str, ok := out.(string); ok {
		return str
	}
	return marshalInline(out)
}

func (s *Substituter) substituteString(ctx context.Context, in string, vars *Variables, reserved Reserved) any {
	lookup := func(path string) (any, bool) {
		if v, ok := reserved.lookup(path); ok {
			return v, true
		}
		if vars == nil {
			return nil, false
		}
		return vars.Resolve(path)
	}

	cur := in
	unresolved := map[string]struct{}{}
	exhausted := true
	for pass := 0; pass < s.maxPasses; pass++ {
		if path, ok := wholePlaceholder(cur); ok {
			val, found := lookup(path)
			if !found {
				unresolved[path] = struct{}{}
				exhausted = false
				break
			}
			str, isString := val.(string)
			if !isString {
				return val
			}
			if str == cur {
				exhausted = false
				break
			}
			cur = str
			continue
		}

		next, changed := replacePass(cur, lookup, unresolved)
		if !changed {
			exhausted = false
			break
		}
		cur = next
	}

	if exhausted && len(placeholders(cur)) > 0 {
		s.logger.WarnContext(ctx, "placeholder substitution pass limit reached", slog.String("value", cur))
	}
	for path := range unresolved {
		s.logger.WarnContext(ctx, "unresolved placeholder left verbatim", slog.String("path", path))
	}
	return cur
}

// replacePass performs one left-to-right replacement of all resolvable placeholders.
func replacePass(in string, lookup func(string) (any, bool), unresolved map[string]struct{}) (string, bool) {
	var b strings.Builder
	b.Grow(len(in))
	changed := false

	i := 0
	for i < len(in) {
		open := strings.IndexByte(in[i:], '{')
		if open == -1 {
			b.WriteString(in[i:])
			break
		}
		open += i
		b.WriteString(in[i:open])

		end := strings.IndexByte(in[open+1:], '}')
		if end == -1 {
			b.WriteString(in[open:])
			break
		}
		end += open + 1

		path := in[open+1 : end]
		if _, err := parsePath(path); err != nil {
			// Not a placeholder: emit the brace and rescan from the next byte.
			b.WriteByte('{')
			i = open + 1
			continue
		}

		val, ok := lookup(path)
		if !ok {
			unresolved[path] = struct{}{}
			b.WriteString(in[open : end+1])
		} else {
			b.WriteString(marshalInline(val))
			changed = true
		}
		i = end + 1
	}
	return b.String(), changed
}

// wholePlaceholder reports whether s is exactly one placeholder.
func wholePlaceholder(s string) (string, bool) {
	if len(s) < 3 || s[0] != '{' || s[len(s)-1] != '}' {
		return "", false
	}
	path := s[1 : len(s)-1]
	if _, err := parsePath(path); err != nil {
		return "", false
	}
	return path, true
}

// placeholders returns every syntactically valid placeholder path in s, in order.
func placeholders(s string) []string {
	var out []string
	i := 0
	for i < len(s) {
		open := strings.IndexByte(s[i:], '{')
		if open == -1 {
			break
		}
		open += i
		end := strings.IndexByte(s[open+1:], '}')
		if end == -1 {
			break
		}
		end += open + 1
		path := s[open+1 : end]
		if _, err := parsePath(path); err == nil {
			out = append(out, path)
			i = end + 1
			continue
		}
		i = open + 1
	}
	return out
}

// References returns the top-level variable names referenced by placeholders
// anywhere in value, without duplicates.
func References(value any) []string {
	seen := map[string]struct{}{}
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, p := range placeholders(val) {
				segs, _ := parsePath(p)
				name := segs[0].key
				if _, dup := seen[name]; !dup {
					seen[name] = struct{}{}
					out = append(out, name)
				}
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case []string:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(value)
	return out
}

// marshalInline converts a resolved value into its inline text form.
// Strings are embedded as-is, structured values are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
