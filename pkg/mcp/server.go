package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/conductor/internal/actions"
	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// Conductor is the session surface the tools drive.
type Conductor interface {
	HandleTurn(ctx context.Context, req engine.TurnRequest) (*schema.TurnResult, error)
	Status(ctx context.Context, sessionID string) (*schema.WorkflowState, error)
	Reset(ctx context.Context, sessionID string) error
}

// Catalog lists the actions a planner may use.
type Catalog interface {
	Catalog() []actions.ActionInfo
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Conductor Conductor
	Catalog   Catalog
	Hub       streaming.EventHub
	Version   string
	Logger    *slog.Logger
}

// Server wraps an MCP server with conductor tool handlers.
type Server struct {
	conductor Conductor
	catalog   Catalog
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with the conductor tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	hub := deps.Hub
	if hub == nil {
		hub = streaming.Nop{}
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		conductor: deps.Conductor,
		catalog:   deps.Catalog,
		hub:       hub,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"conductor",
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions("Conductor plans and runs multi-step work for a conversation. Send each user message to conductor.turn with a stable session_id. When the result asks a clarification question or pauses for continuation, relay it and send the user's reply as the next turn."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve forwards session events to connected clients and runs the stdio
// transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	forwarder := NewEventForwarder(s.mcpServer, s.sessions, s.logger)
	go func() {
		if err := forwarder.Run(ctx, s.hub); err != nil && ctx.Err() == nil {
			s.logger.Warn("event forwarding stopped", "error", err)
		}
	}()

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: turnTool(), Handler: s.handleTurn},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: actionsTool(), Handler: s.handleActions},
		{Tool: resetTool(), Handler: s.handleReset},
	}
}

// --- Tool definitions ---

func turnTool() mcp.Tool {
	return mcp.NewTool("conductor.turn",
		mcp.WithDescription("Handle one conversational turn for a session"),
		mcp.WithString("session_id", mcp.Description("Session to continue; a new one is created when empty")),
		mcp.WithString("user_id", mcp.Description("ID of the end user")),
		mcp.WithString("input", mcp.Required(), mcp.Description("The user's message")),
		mcp.WithString("conversation_summary", mcp.Description("Summary of the conversation so far, passed to the planner")),
		mcp.WithObject("user_context", mcp.Description("Extra facts about the user made available to the planner")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conductor.status",
		mcp.WithDescription("Get the stored state of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to query")),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("conductor.actions",
		mcp.WithDescription("List the actions available to plans"),
	)
}

func resetTool() mcp.Tool {
	return mcp.NewTool("conductor.reset",
		mcp.WithDescription("Discard a session and its pending work"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to discard")),
	)
}
