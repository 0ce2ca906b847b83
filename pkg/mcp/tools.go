package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/store"
)

// handleTurn runs one turn and returns the result envelope.
func (s *Server) handleTurn(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := req.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError("input is required"), nil
	}

	turn := engine.TurnRequest{
		SessionID:           req.GetString("session_id", ""),
		UserID:              req.GetString("user_id", ""),
		Input:               input,
		ConversationSummary: req.GetString("conversation_summary", ""),
		UserContext:         mcp.ParseStringMap(req, "user_context", nil),
	}

	// The id is assigned here so the client is mapped before the turn
	// publishes its first event.
	if turn.SessionID == "" {
		turn.SessionID = uuid.NewString()
	}
	s.captureSession(ctx, turn.SessionID)

	result, turnErr := s.conductor.HandleTurn(ctx, turn)
	if turnErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("turn failed: %v", turnErr)), nil
	}

	if result.Status.Terminal() {
		s.sessions.Forget(result.SessionID)
	} else {
		s.captureSession(ctx, result.SessionID)
	}
	return marshalResult(result)
}

// handleStatus returns the stored state of a session.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	state, loadErr := s.conductor.Status(ctx, sessionID)
	if loadErr != nil {
		if store.IsNotFound(loadErr) {
			return mcp.NewToolResultError(fmt.Sprintf("session %q not found", sessionID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", loadErr)), nil
	}
	return marshalResult(state)
}

// handleActions lists the action catalog.
func (s *Server) handleActions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return marshalResult(map[string]any{"actions": []any{}})
	}
	return marshalResult(map[string]any{"actions": s.catalog.Catalog()})
}

// handleReset discards a session.
func (s *Server) handleReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	if resetErr := s.conductor.Reset(ctx, sessionID); resetErr != nil && !store.IsNotFound(resetErr) {
		return mcp.NewToolResultError(fmt.Sprintf("reset failed: %v", resetErr)), nil
	}
	s.sessions.Forget(sessionID)

	return marshalResult(map[string]any{
		"ok":         true,
		"session_id": sessionID,
	})
}

// captureSession maps the conductor session to the calling MCP client.
func (s *Server) captureSession(ctx context.Context, sessionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(sessionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
