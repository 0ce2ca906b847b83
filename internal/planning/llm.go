package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/conductor/internal/actions"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
	"github.com/tidwall/gjson"
	"github.com/tmc/langchaingo/llms"
)

const plannerInstructions = `You are the planning component of an assistant that can call external actions.
Given the user's goal, decide one of:
- "plan": a short ordered list of steps that makes progress toward the goal,
- "clarify": a single question when the goal cannot be planned without more information,
- "none": when no action is needed (put a direct reply in "message").

Step types:
- "action": call a catalog action. Fields: action, arguments (object), output_var, description,
  optional depends_on_var naming a variable that must exist first.
- "processing": transform gathered data into text. Fields: prompt_key or custom_prompt,
  input_vars (variable names), output_var, description.
- "clarification": ask the user mid-plan. Fields: question_template, expected_response_var, description.

Argument values may reference earlier outputs with {variable} or {variable.field[0]},
and the user's words with {original_query} and {current_query}.
Use at most %d action steps. When the goal needs more, set "is_partial": true and
describe the remaining work in "continuation_summary".

Reply with a single JSON object and nothing else:
{"decision": "plan"|"clarify"|"none", "goal": "...", "reasoning": "...", "steps": [...],
 "is_partial": false, "continuation_summary": null, "question": "...", "message": "..."}`

// LLMPlanner asks a language model for a plan and validates the reply.
type LLMPlanner struct {
	model     llms.Model
	validator *validation.JSONSchemaValidator
	prompts   validation.PromptLookup
	logger    *slog.Logger
	opts      []llms.CallOption
}

// NewLLMPlanner wires a planner. prompts may be nil.
func NewLLMPlanner(model llms.Model, validator *validation.JSONSchemaValidator, prompts validation.PromptLookup, logger *slog.Logger, opts ...llms.CallOption) *LLMPlanner {
	return &LLMPlanner{model: model, validator: validator, prompts: prompts, logger: logger, opts: opts}
}

// wireDecision mirrors the decision schema.
type wireDecision struct {
	Decision            string                  `json:"decision"`
	Question            string                  `json:"question"`
	Message             string                  `json:"message"`
	Goal                string                  `json:"goal"`
	Reasoning           string                  `json:"reasoning"`
	Steps               []schema.StepDefinition `json:"steps"`
	IsPartial           bool                    `json:"is_partial"`
	ContinuationSummary *string                 `json:"continuation_summary"`
}

func (p *LLMPlanner) AcquirePlan(ctx context.Context, req Request) Decision {
	max := req.MaxActions
	if max <= 0 {
		max = DefaultMaxActions
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt(req.Catalog, max))},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(userPrompt(req))},
		},
	}

	resp, err := p.model.GenerateContent(ctx, messages, p.opts...)
	if err != nil {
		return Errorf(fmt.Sprintf("planner unreachable: %v", err))
	}
	if len(resp.Choices) == 0 {
		return Errorf("planner returned no choices")
	}

	raw, ok := extractObject(resp.Choices[0].Content)
	if !ok {
		p.logger.WarnContext(ctx, "planner reply has no JSON object",
			slog.String("reply", schema.Truncate(resp.Choices[0].Content, 200)))
		return Errorf("planner reply is not a JSON object")
	}
	if err := p.validator.ValidateDecision([]byte(raw)); err != nil {
		return Errorf("malformed planner reply: " + err.Error())
	}

	var wd wireDecision
	if err := json.Unmarshal([]byte(raw), &wd); err != nil {
		return Errorf("malformed planner reply: " + err.Error())
	}
	return p.toDecision(wd, req.Goal, max)
}

func (p *LLMPlanner) toDecision(wd wireDecision, fallbackGoal string, max int) Decision {
	switch Kind(wd.Decision) {
	case KindClarify:
		return Decision{Kind: KindClarify, Question: wd.Question}
	case KindNone:
		return Decision{Kind: KindNone, Message: wd.Message}
	}

	plan := &schema.Plan{
		Goal:      wd.Goal,
		Reasoning: wd.Reasoning,
		Steps:     wd.Steps,
		IsPartial: wd.IsPartial,
	}
	if plan.Goal == "" {
		plan.Goal = fallbackGoal
	}
	if wd.ContinuationSummary != nil {
		plan.ContinuationSummary = *wd.ContinuationSummary
	}

	dropped := Normalize(plan, max)
	if err := validation.PlanError(validation.ValidatePlan(plan, p.prompts)); err != nil {
		return Errorf(err.Error())
	}
	return Decision{Kind: KindPlan, Plan: plan, Dropped: dropped}
}

func systemPrompt(catalog []actions.ActionInfo, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, plannerInstructions, max)
	b.WriteString("\n\nAvailable actions:\n")
	if len(catalog) == 0 {
		b.WriteString("(none)\n")
	}
	for _, a := range catalog {
		b.WriteString(catalogLine(a))
		b.WriteByte('\n')
	}
	return b.String()
}

// catalogLine renders "- name: description (required: a, b)".
func catalogLine(a actions.ActionInfo) string {
	line := "- " + a.Name
	if a.Description != "" {
		line += ": " + a.Description
	}
	if len(a.Required) > 0 {
		line += " (required: " + strings.Join(a.Required, ", ") + ")"
	}
	return line
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	if req.ConversationSummary != "" {
		fmt.Fprintf(&b, "\nConversation so far:\n%s\n", req.ConversationSummary)
	}
	if len(req.UserContext) > 0 {
		if uc, err := json.Marshal(req.UserContext); err == nil {
			fmt.Fprintf(&b, "\nUser context: %s\n", uc)
		}
	}
	return b.String()
}

// extractObject returns the first JSON object in text, tolerating prose
// and code fences around it.
func extractObject(text string) (string, bool) {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		res := gjson.Parse(text[i:])
		if res.IsObject() && gjson.Valid(res.Raw) {
			return res.Raw, true
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return "", false
}
