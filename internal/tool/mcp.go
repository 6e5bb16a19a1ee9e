package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPClient manages a connection to an external MCP server over stdio
// and exposes its tools through the Tool interface.
type MCPClient struct {
	client *mcpclient.Client
	logger *slog.Logger
}

// NewMCPClient launches the given command as an MCP server, performs the
// initialize handshake, and returns a connected client. Close must be
// called to stop the child process.
func NewMCPClient(ctx context.Context, command string, env []string, args ...string) (*MCPClient, error) {
	c, err := mcpclient.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("tool: start mcp server %q: %w", command, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "clerk", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("tool: initialize mcp server %q: %w", command, err)
	}

	return &MCPClient{client: c, logger: slog.Default()}, nil
}

// Tools lists the server's tools as Tool adapters.
func (m *MCPClient) Tools(ctx context.Context) ([]Tool, error) {
	result, err := m.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tool: list mcp tools: %w", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, &mcpTool{client: m.client, def: t})
	}
	return tools, nil
}

// Close stops the underlying MCP server process.
func (m *MCPClient) Close() error {
	return m.client.Close()
}

// mcpTool adapts one remote MCP tool to the Tool interface.
type mcpTool struct {
	client *mcpclient.Client
	def    mcp.Tool
}

func (t *mcpTool) Name() string        { return t.def.Name }
func (t *mcpTool) Description() string { return t.def.Description }

func (t *mcpTool) ParameterSchema() map[string]any {
	schema := map[string]any{"type": t.def.InputSchema.Type}
	if len(t.def.InputSchema.Properties) > 0 {
		schema["properties"] = t.def.InputSchema.Properties
	}
	if len(t.def.InputSchema.Required) > 0 {
		schema["required"] = t.def.InputSchema.Required
	}
	return schema
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = args

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool: call mcp tool %q: %w", t.def.Name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("tool: mcp tool %q failed: %s", t.def.Name, text)
	}
	return text, nil
}
