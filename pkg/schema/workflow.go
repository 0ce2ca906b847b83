package schema

// Plan is a bounded batch of steps produced by the planner.
// A continuation batch gets a new Plan; Goal is carried forward.
type Plan struct {
	Goal                string           `json:"goal"`
	Reasoning           string           `json:"reasoning,omitempty"`
	Steps               []StepDefinition `json:"steps"`
	IsPartial           bool             `json:"is_partial,omitempty"`
	ContinuationSummary string           `json:"continuation_summary,omitempty"`
}

// StepType enumerates the kinds of steps in a plan.
type StepType string

const (
	StepTypeAction        StepType = "action"
	StepTypeProcessing    StepType = "processing"
	StepTypeClarification StepType = "clarification"
)

// StepDefinition describes a single step in a plan. Type selects which of
// the variant fields are meaningful.
type StepDefinition struct {
	Type        StepType `json:"type"`
	Description string   `json:"description"`

	// action
	Action       string         `json:"action,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	OutputVar    string         `json:"output_var,omitempty"`
	Parallel     bool           `json:"parallel,omitempty"`
	DependsOnVar string         `json:"depends_on_var,omitempty"`

	// processing (OutputVar shared with action)
	PromptKey    string   `json:"prompt_key,omitempty"`
	CustomPrompt string   `json:"custom_prompt,omitempty"`
	InputVars    []string `json:"input_vars,omitempty"`

	// clarification
	QuestionTemplate    string `json:"question_template,omitempty"`
	ExpectedResponseVar string `json:"expected_response_var,omitempty"`
}

// Output returns the variable the step writes to.
func (s *StepDefinition) Output() string {
	if s.Type == StepTypeClarification {
		return s.ExpectedResponseVar
	}
	return s.OutputVar
}

// Label names the step in logs and caller-facing errors.
func (s *StepDefinition) Label() string {
	if s.Type == StepTypeAction && s.Action != "" {
		return s.Action
	}
	if s.Description != "" {
		return s.Description
	}
	return string(s.Type) + ":" + s.Output()
}

// CountActions returns the number of action steps in steps.
func CountActions(steps []StepDefinition) int {
	n := 0
	for i := range steps {
		if steps[i].Type == StepTypeAction {
			n++
		}
	}
	return n
}

// WorkflowState is the per-session orchestration state, keyed by SessionID.
type WorkflowState struct {
	SessionID            string         `json:"session_id"`
	UserID               string         `json:"user_id,omitempty"`
	Plan                 *Plan          `json:"plan,omitempty"`
	Cursor               int            `json:"cursor"`
	Variables            map[string]any `json:"variables"`
	Status               WorkflowStatus `json:"status"`
	PendingClarification string         `json:"pending_clarification,omitempty"`
	ExecutedStepLog      []string       `json:"executed_step_log,omitempty"`
	Error                string         `json:"error,omitempty"`
	OverallGoal          string         `json:"overall_goal"`
	IsPartialPlan        bool           `json:"is_partial_plan,omitempty"`
	ContinuationSummary  string         `json:"continuation_summary,omitempty"`

	// OriginalQuery is the input of the turn that opened the session goal;
	// CurrentQuery is the latest turn input.
	OriginalQuery string `json:"original_query,omitempty"`
	CurrentQuery  string `json:"current_query,omitempty"`

	// AwaitingPlanClarification marks a clarification requested by the
	// planner itself rather than by a ClarificationStep.
	AwaitingPlanClarification bool `json:"awaiting_plan_clarification,omitempty"`
}

// CurrentStep returns the step at the cursor, or nil when out of range.
func (w *WorkflowState) CurrentStep() *StepDefinition {
	if w.Plan == nil || w.Cursor < 0 || w.Cursor >= len(w.Plan.Steps) {
		return nil
	}
	return &w.Plan.Steps[w.Cursor]
}

// Remaining returns the unexecuted steps of the current plan.
func (w *WorkflowState) Remaining() []StepDefinition {
	if w.Plan == nil || w.Cursor >= len(w.Plan.Steps) {
		return nil
	}
	return w.Plan.Steps[w.Cursor:]
}
