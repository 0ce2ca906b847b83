package streaming

import (
	"context"
	"slices"
)

// StreamEvent is a real-time event emitted while a session runs.
type StreamEvent struct {
	SessionID string `json:"session_id"`
	Step      string `json:"step,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SessionID  string   `json:"session_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for session events. Publishing never blocks on
// slow subscribers.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, StreamEvent) error { return nil }

func (Nop) Subscribe(context.Context, EventFilter) (<-chan StreamEvent, func(), error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, func() {}, nil
}
