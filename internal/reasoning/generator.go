package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMGenerator generates text with a langchaingo model.
type LLMGenerator struct {
	model llms.Model
	opts  []llms.CallOption
}

// NewLLMGenerator wraps model; opts apply to every call.
func NewLLMGenerator(model llms.Model, opts ...llms.CallOption) *LLMGenerator {
	return &LLMGenerator{model: model, opts: opts}
}

func (g *LLMGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt, g.opts...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
