package reasoning

import (
	"context"
	"log/slog"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

// Processor runs processing steps: it renders the step's prompt, applies
// placeholder substitution and asks the Generator for text.
type Processor struct {
	library *Library
	gen     Generator
	subst   *expressions.Substituter
	logger  *slog.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(library *Library, gen Generator, subst *expressions.Substituter, logger *slog.Logger) *Processor {
	if library == nil {
		library = NewLibrary()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if subst == nil {
		subst = expressions.NewSubstituter(0, logger)
	}
	return &Processor{library: library, gen: gen, subst: subst, logger: logger}
}

// Process produces the text for step. Failures are PROCESSING_ERROR.
func (p *Processor) Process(ctx context.Context, step *schema.StepDefinition, vars *expressions.Variables, reserved expressions.Reserved, goal string) (string, error) {
	label := step.Label()
	if p.gen == nil {
		return "", schema.NewError(schema.ErrCodeProcessing, "no text generator configured").WithStep(label)
	}

	inputs := make(map[string]any, len(step.InputVars))
	for _, name := range step.InputVars {
		v, ok := vars.Resolve(name)
		if !ok {
			p.logger.WarnContext(ctx, "processing input not set", slog.String("variable", name))
			continue
		}
		inputs[name] = v
	}
	data := PromptData{
		Inputs:        inputs,
		Goal:          goal,
		OriginalQuery: reserved.OriginalQuery,
		CurrentQuery:  reserved.CurrentQuery,
	}

	var (
		prompt string
		err    error
	)
	switch {
	case step.CustomPrompt != "":
		prompt, err = RenderInline(step.CustomPrompt, data)
	case p.library.Has(step.PromptKey):
		prompt, err = p.library.Render(step.PromptKey, data)
	default:
		return "", schema.NewErrorf(schema.ErrCodeProcessing, "unknown prompt key %q", step.PromptKey).WithStep(label)
	}
	if err != nil {
		return "", schema.NewError(schema.ErrCodeProcessing, err.Error()).WithStep(label).WithCause(err)
	}
	prompt = p.subst.Render(ctx, prompt, vars, reserved)

	text, err := p.gen.Generate(ctx, prompt)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeProcessing, "text generation failed: %v", err).WithStep(label).WithCause(err)
	}
	return text, nil
}
