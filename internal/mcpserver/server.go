// Package mcpserver exposes the tool dispatcher over the Model Context Protocol.
package mcpserver

import (
	"context"

	"github.com/kiranshivaraju/pmpilot/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates an MCP server with every dispatcher tool registered. Calls run
// under sessionID, so jobs started over MCP are grouped like a chat session's.
func New(d *tools.Dispatcher, sessionID string) *server.MCPServer {
	s := server.NewMCPServer(
		"pmpilot",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	for _, t := range d.Tools() {
		def := t.Definition()
		s.AddTool(def, Handler(d, def.Name, sessionID))
	}
	return s
}

// Handler adapts one dispatcher tool to an MCP tool handler.
func Handler(d *tools.Dispatcher, name, sessionID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := d.Dispatch(ctx, name, req.GetArguments(), tools.Invocation{SessionID: sessionID})
		if res.IsError {
			return mcp.NewToolResultError(res.JSON()), nil
		}
		return mcp.NewToolResultText(res.JSON()), nil
	}
}
