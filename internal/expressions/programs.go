package expressions

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/conductor/pkg/schema"
)

// DefaultProgramCacheSize bounds compiled programs kept per engine.
const DefaultProgramCacheSize = 256

// programCache keeps compiled programs keyed by source text. Plans come
// from a model, so the set of expressions is open-ended and must be bounded.
type programCache[P any] struct {
	lang    string
	cache   *lru.Cache[string, P]
	compile func(string) (P, error)
}

func newProgramCache[P any](lang string, size int, compile func(string) (P, error)) *programCache[P] {
	if size <= 0 {
		size = DefaultProgramCacheSize
	}
	c, err := lru.New[string, P](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &programCache[P]{lang: lang, cache: c, compile: compile}
}

// get returns the compiled program for src, compiling it on a miss.
// Concurrent misses may compile twice; the programs are equivalent.
func (c *programCache[P]) get(src string) (P, error) {
	if src == "" {
		var zero P
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.lang)
	}
	if p, ok := c.cache.Get(src); ok {
		return p, nil
	}
	p, err := c.compile(src)
	if err != nil {
		var zero P
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", c.lang, src, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": src})
	}
	c.cache.Add(src, p)
	return p, nil
}

func (c *programCache[P]) len() int { return c.cache.Len() }

// evalError reports a runtime failure of a well-formed expression.
func evalError(lang, src string, err error) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeActionExecution, "%s evaluation failed for %q: %s", lang, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}
