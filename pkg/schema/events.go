package schema

// Event type constants published on the event hub.
const (
	EventSessionPlanning  = "session_planning"
	EventSessionRunning   = "session_running"
	EventSessionWaiting   = "session_waiting_for_clarification"
	EventSessionPaused    = "session_paused_for_continuation"
	EventSessionCompleted = "session_completed"
	EventSessionFailed    = "session_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventGroupStarted   = "group_started"
	EventGroupCompleted = "group_completed"

	EventPlanTruncated = "plan_truncated"
)

// WorkflowStatus represents the lifecycle state of a session workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending                 WorkflowStatus = "pending"
	WorkflowStatusPlanning                WorkflowStatus = "planning"
	WorkflowStatusRunning                 WorkflowStatus = "running"
	WorkflowStatusWaitingForClarification WorkflowStatus = "waiting_for_clarification"
	WorkflowStatusPausedForContinuation   WorkflowStatus = "paused_for_continuation"
	WorkflowStatusCompleted               WorkflowStatus = "completed"
	WorkflowStatusFailed                  WorkflowStatus = "failed"
)

// Terminal reports whether the session is removed from the store in this status.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// Resumable reports whether a stored session in this status accepts a new turn.
func (s WorkflowStatus) Resumable() bool {
	return s == WorkflowStatusWaitingForClarification || s == WorkflowStatusPausedForContinuation
}
