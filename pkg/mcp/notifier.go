package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/conductor/internal/streaming"
)

// Notifier pushes a payload to the client driving a conductor session.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, payload map[string]any) error
}

// EventForwarder relays hub events to MCP clients as log notifications.
type EventForwarder struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewEventForwarder creates a forwarder over the server's client sessions.
func NewEventForwarder(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *EventForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventForwarder{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Run subscribes to every session on hub and forwards until ctx ends or
// the subscription closes.
func (f *EventForwarder) Run(ctx context.Context, hub streaming.EventHub) error {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := f.Notify(ctx, e.SessionID, eventPayload(e)); err != nil {
				f.logger.Debug("event notification failed", "session_id", e.SessionID, "event", e.EventType, "error", err)
			}
		}
	}
}

// Notify sends a notification to the client of sessionID.
// Best-effort: returns nil if no client is driving the session.
func (f *EventForwarder) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	clientID, ok := f.sessions.ClientFor(sessionID)
	if !ok {
		return nil
	}
	err := f.mcpServer.SendNotificationToSpecificClient(clientID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		f.sessions.RemoveClient(clientID)
		return nil
	}
	return err
}

func eventPayload(e streaming.StreamEvent) map[string]any {
	return map[string]any{
		"level":  "info",
		"logger": "conductor",
		"data":   e,
	}
}
