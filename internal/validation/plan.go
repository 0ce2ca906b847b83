package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

// Issue codes reported by ValidatePlan.
const (
	IssueMissingGoal       = "MISSING_GOAL"
	IssueEmptyPlan         = "EMPTY_PLAN"
	IssueUnknownStepType   = "UNKNOWN_STEP_TYPE"
	IssueMissingOutputVar  = "MISSING_OUTPUT_VAR"
	IssueInvalidOutputVar  = "INVALID_OUTPUT_VAR"
	IssueMissingAction     = "MISSING_ACTION"
	IssueMissingPrompt     = "MISSING_PROMPT"
	IssueMissingQuestion   = "MISSING_QUESTION"
	IssueUnknownPromptKey  = "UNKNOWN_PROMPT_KEY"
	IssueMissingDesc       = "MISSING_DESCRIPTION"
	IssueOutputOverwritten = "OUTPUT_OVERWRITTEN"
)

// PromptLookup reports whether a prompt key is known to the reasoning library.
type PromptLookup interface {
	Has(key string) bool
}

// ValidatePlan runs structural checks on a plan before any step executes.
// prompts may be nil, in which case prompt keys are not checked.
func ValidatePlan(plan *schema.Plan, prompts PromptLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if plan == nil {
		result.AddError("plan", IssueEmptyPlan, "plan is nil")
		return result
	}
	if strings.TrimSpace(plan.Goal) == "" {
		result.AddError("goal", IssueMissingGoal, "plan has no goal")
	}
	if len(plan.Steps) == 0 {
		if plan.IsPartial {
			result.AddError("steps", IssueEmptyPlan, "partial plan has no steps to run before pausing")
		} else {
			result.AddWarning("steps", IssueEmptyPlan, "plan has no steps")
		}
	}

	written := make(map[string]int)
	for i := range plan.Steps {
		step := &plan.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		checkStep(result, path, step, prompts)

		out := step.Output()
		if out == "" {
			continue
		}
		if prev, ok := written[out]; ok {
			result.AddWarning(path, IssueOutputOverwritten,
				fmt.Sprintf("variable %q written by steps[%d] is overwritten", out, prev))
		}
		written[out] = i
	}
	return result
}

func checkStep(result *schema.ValidationResult, path string, step *schema.StepDefinition, prompts PromptLookup) {
	if step.Description == "" {
		result.AddWarning(path, IssueMissingDesc, "step has no description")
	}

	outField := "output_var"
	switch step.Type {
	case schema.StepTypeAction:
		if step.Action == "" {
			result.AddError(path+".action", IssueMissingAction, "action step has no action name")
		}
	case schema.StepTypeProcessing:
		switch {
		case step.PromptKey == "" && step.CustomPrompt == "":
			result.AddError(path, IssueMissingPrompt, "processing step needs a prompt_key or custom_prompt")
		case step.PromptKey != "" && prompts != nil && !prompts.Has(step.PromptKey):
			result.AddWarning(path+".prompt_key", IssueUnknownPromptKey,
				fmt.Sprintf("prompt key %q is not in the library", step.PromptKey))
		}
	case schema.StepTypeClarification:
		outField = "expected_response_var"
		if strings.TrimSpace(step.QuestionTemplate) == "" {
			result.AddError(path+".question_template", IssueMissingQuestion, "clarification step has no question")
		}
	default:
		result.AddError(path+".type", IssueUnknownStepType, fmt.Sprintf("unknown step type %q", step.Type))
		return
	}

	out := step.Output()
	switch {
	case out == "":
		result.AddError(path+"."+outField, IssueMissingOutputVar, "step has no output variable")
	case !expressions.ValidName(out):
		result.AddError(path+"."+outField, IssueInvalidOutputVar,
			fmt.Sprintf("output variable %q is not a valid name", out))
	}
}

// PlanError converts a failed plan validation into a PLANNING_ERROR.
func PlanError(result *schema.ValidationResult) error {
	err := result.ToError(schema.ErrCodePlanning)
	if err == nil {
		return nil
	}
	ce := err.(*schema.ConductorError)
	ce.Message = "invalid plan: " + ce.Message
	return ce
}
