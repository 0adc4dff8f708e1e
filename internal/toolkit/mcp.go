package toolkit

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer publishes the toolkit's tools on an MCP server.
func NewMCPServer(t *Toolkit, name, version string) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	for _, def := range t.Defs() {
		schema := mcp.ToolInputSchema{Type: "object"}
		if props, ok := def.Parameters["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		if req, ok := def.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		s.AddTool(mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		}, t.handler(def.Name))
	}
	return s
}

func (t *Toolkit) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := t.Call(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
