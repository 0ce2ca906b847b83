package engine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed session lifecycle transitions.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending: {schema.WorkflowStatusPlanning, schema.WorkflowStatusFailed},
	schema.WorkflowStatusPlanning: {
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusWaitingForClarification,
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
	},
	schema.WorkflowStatusRunning: {
		schema.WorkflowStatusWaitingForClarification,
		schema.WorkflowStatusPausedForContinuation,
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
	},
	// Running: a step-level answer resumes the same plan.
	// Planning: a planner-level answer re-plans.
	schema.WorkflowStatusWaitingForClarification: {
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusPlanning,
		schema.WorkflowStatusFailed,
	},
	schema.WorkflowStatusPausedForContinuation: {
		schema.WorkflowStatusPlanning,
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
	},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
}

// WorkflowFSM validates session transitions and publishes one event per
// transition. Persisting the state is the caller's job.
type WorkflowFSM struct {
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewWorkflowFSM creates a WorkflowFSM publishing on hub. A nil hub discards
// events.
func NewWorkflowFSM(hub streaming.EventHub, logger *slog.Logger) *WorkflowFSM {
	if hub == nil {
		hub = streaming.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowFSM{hub: hub, logger: logger}
}

// Transition moves state to the given status.
func (f *WorkflowFSM) Transition(ctx context.Context, state *schema.WorkflowState, to schema.WorkflowStatus) error {
	from := state.Status
	if !slices.Contains(ValidWorkflowTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": state.SessionID, "from": string(from), "to": string(to)})
	}
	state.Status = to
	f.logger.DebugContext(ctx, "session transition", "from", from, "to", to)
	f.publish(ctx, state, workflowEventType(to), map[string]any{"from": string(from)})
	return nil
}

// Abort marks the session Failed from whatever status it is in. It is used
// for stored states that can no longer be trusted.
func (f *WorkflowFSM) Abort(ctx context.Context, state *schema.WorkflowState, reason string) {
	from := state.Status
	state.Status = schema.WorkflowStatusFailed
	state.Error = reason
	f.logger.DebugContext(ctx, "session aborted", "from", from, "reason", reason)
	f.publish(ctx, state, schema.EventSessionFailed, map[string]any{"from": string(from), "error": reason})
}

func (f *WorkflowFSM) publish(ctx context.Context, state *schema.WorkflowState, eventType string, payload map[string]any) {
	if eventType == "" {
		return
	}
	if state.Status == schema.WorkflowStatusFailed && state.Error != "" {
		payload["error"] = state.Error
	}
	err := f.hub.Publish(ctx, streaming.StreamEvent{
		SessionID: state.SessionID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		f.logger.WarnContext(ctx, "publish session event", "event", eventType, "error", err)
	}
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusPlanning:
		return schema.EventSessionPlanning
	case schema.WorkflowStatusRunning:
		return schema.EventSessionRunning
	case schema.WorkflowStatusWaitingForClarification:
		return schema.EventSessionWaiting
	case schema.WorkflowStatusPausedForContinuation:
		return schema.EventSessionPaused
	case schema.WorkflowStatusCompleted:
		return schema.EventSessionCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventSessionFailed
	default:
		return ""
	}
}
