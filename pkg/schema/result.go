package schema

import "strings"

// TurnResult is the envelope returned to the caller for every turn.
type TurnResult struct {
	SessionID             string         `json:"session_id"`
	TextSummary           *string        `json:"text_summary"`
	StructuredData        map[string]any `json:"structured_data"`
	Status                WorkflowStatus `json:"status"`
	ClarificationQuestion *string        `json:"clarification_question"`
	ContinuationSummary   *string        `json:"continuation_summary"`
	Error                 *TurnError     `json:"error"`
	ExecutedStepLog       []string       `json:"executed_step_log"`
}

// TurnError is the caller-facing error: kind, originating step and a
// truncated message.
type TurnError struct {
	Kind    string `json:"kind"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

// NewTurnError builds a TurnError from any error, defaulting the kind to fallback.
func NewTurnError(err error, fallback string) *TurnError {
	ce := AsConductorError(err, fallback)
	msg := ce.Message
	if ce.Cause != nil && !strings.Contains(msg, ce.Cause.Error()) {
		msg = msg + ": " + ce.Cause.Error()
	}
	return &TurnError{
		Kind:    ce.Code,
		Step:    ce.Step,
		Message: Truncate(msg, MaxErrorMessage),
	}
}

// StringPtr returns nil for "", otherwise a pointer to s.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
