package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server with reprise tools registered.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"reprise",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("reprise/validate",
			mcp.WithDescription("Validate a reprise recipe YAML file"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the recipe YAML file")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("reprise/schema",
			mcp.WithDescription("Export the reprise recipe JSON Schema"),
		),
		HandleSchema,
	)

	s.AddTool(
		mcp.NewTool("reprise/plan",
			mcp.WithDescription("Resolve a recipe's variables into an execution plan without running it"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the recipe YAML file")),
			mcp.WithObject("vars", mcp.Description("Variable values, keyed by name")),
		),
		HandlePlan,
	)

	return s
}
