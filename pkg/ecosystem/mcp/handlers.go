package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/reprise/pkg/plan"
	"github.com/ormasoftchile/reprise/pkg/schema"
)

// HandleValidate implements the reprise/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	rec, errs := schema.ValidateFile(path)
	if schema.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}
	return textResult(fmt.Sprintf("✓ %s is valid (%d steps)", rec.Name, len(rec.Steps))), nil
}

// HandleSchema implements the reprise/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := schema.GenerateRecipeJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandlePlan implements the reprise/plan MCP tool. It resolves variables
// without executing anything, so agents can inspect what a run would do
// and which inputs are still missing.
func HandlePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	rec, errs := schema.ValidateFile(path)
	if schema.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}

	vars := make(map[string]string)
	if rawVars, ok := args["vars"].(map[string]any); ok {
		for k, v := range rawVars {
			vars[k] = fmt.Sprint(v)
		}
	}

	// No vault and no prompt collaborator over MCP; secret and prompted
	// variables without caller values simply report as unresolved.
	p, err := plan.Build(ctx, rec, plan.Options{Values: vars})
	if err != nil {
		return errorResult(fmt.Sprintf("plan: %s", err)), nil
	}

	steps := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = s.String()
	}
	response := map[string]any{
		"recipe":     rec.ID,
		"version":    rec.Version,
		"executable": p.Executable(),
		"vars":       p.Vars,
	}
	if len(p.Unresolved) > 0 {
		response["unresolved"] = p.Unresolved
	}
	if len(p.Warnings) > 0 {
		response["warnings"] = p.Warnings
	}
	if p.Executable() {
		response["steps"] = steps
	}

	data, _ := json.MarshalIndent(response, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: !p.Executable(),
	}, nil
}

func formatErrors(errs []*schema.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "error" {
			msgs = append(msgs, fmt.Sprintf("[%s] %s", e.Phase, e.Message))
		}
	}
	return strings.Join(msgs, "; ")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
