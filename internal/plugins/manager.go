package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/conductor/internal/actions"
	"github.com/rendis/conductor/pkg/schema"
	"golang.org/x/sync/errgroup"
)

// ServerConfig describes how to launch an MCP server whose tools become actions.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string
}

// toolClient is the subset of the mcp-go client the manager relies on.
type toolClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type dialFunc func(cfg ServerConfig) (toolClient, error)

// dialStdio launches the server as a subprocess speaking MCP over stdio.
func dialStdio(cfg ServerConfig) (toolClient, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Manager owns the MCP client connections backing remote actions.
type Manager struct {
	registry *actions.Registry
	dial     dialFunc
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]toolClient
	tools   map[string]int
}

// NewManager creates a Manager that registers discovered tools in registry.
func NewManager(registry *actions.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		dial:     dialStdio,
		logger:   logger,
		clients:  make(map[string]toolClient),
		tools:    make(map[string]int),
	}
}

// Load connects to every server concurrently and registers their tools.
// Any failure aborts the load and closes the clients opened so far.
func (m *Manager) Load(ctx context.Context, servers []ServerConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range servers {
		g.Go(func() error {
			return m.connect(gctx, cfg)
		})
	}
	if err := g.Wait(); err != nil {
		_ = m.Close()
		return err
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" || cfg.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "plugin server needs a name and a command")
	}

	c, err := m.dial(cfg)
	if err != nil {
		return fmt.Errorf("start plugin %q: %w", cfg.Name, err)
	}

	// Track the client before the handshake so Close reaps it on failure.
	m.mu.Lock()
	m.clients[cfg.Name] = c
	m.mu.Unlock()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "conductor", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("initialize plugin %q: %w", cfg.Name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools of plugin %q: %w", cfg.Name, err)
	}

	acts := make([]actions.Action, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		acts = append(acts, newToolAction(c, tool))
	}
	n, err := m.registry.RegisterPlugin(cfg.Name, acts)
	if err != nil {
		return fmt.Errorf("register plugin %q: %w", cfg.Name, err)
	}

	m.mu.Lock()
	m.tools[cfg.Name] = n
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "plugin loaded",
		slog.String("plugin", cfg.Name),
		slog.Int("tools", n),
	)
	return nil
}

// Status returns the number of tools registered per plugin.
func (m *Manager) Status() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.tools))
	for name, n := range m.tools {
		out[name] = n
	}
	return out
}

// Close shuts down every client.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var lastErr error
	for _, name := range names {
		if err := m.clients[name].Close(); err != nil {
			lastErr = err
			m.logger.Error("failed to stop plugin",
				slog.String("plugin", name),
				slog.String("error", err.Error()),
			)
		}
		delete(m.clients, name)
	}
	return lastErr
}

// toolAction exposes one MCP tool as an Action.
type toolAction struct {
	client      toolClient
	name        string
	description string
	inputSchema json.RawMessage
	required    []string
}

func newToolAction(c toolClient, tool mcp.Tool) *toolAction {
	raw := tool.RawInputSchema
	if len(raw) == 0 {
		raw, _ = json.Marshal(tool.InputSchema)
	}
	return &toolAction{
		client:      c,
		name:        tool.Name,
		description: tool.Description,
		inputSchema: raw,
		required:    tool.InputSchema.Required,
	}
}

func (a *toolAction) Name() string { return a.name }

func (a *toolAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{
		Description: a.description,
		InputSchema: a.inputSchema,
		Required:    a.required,
	}
}

func (a *toolAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	res, err := a.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      a.name,
			Arguments: input.Params,
		},
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "tool call failed: %v", err).WithCause(err)
	}

	text := joinText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, schema.NewError(schema.ErrCodeActionExecution, text)
	}
	return &actions.ActionOutput{Result: text, Data: res.StructuredContent}, nil
}

func joinText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
