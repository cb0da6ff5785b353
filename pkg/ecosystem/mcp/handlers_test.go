package mcp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

const sampleRecipe = `id: order-export
name: Order export
version: 2
variables:
  - name: targetDate
    type: date
    resolver:
      kind: builtin
      expr: today+1d
  - name: tenant
    required: true
    resolver:
      kind: cli
steps:
  - id: s1
    mode: pw
    action: goto
    url: https://{{tenant}}.example.com/orders?date={{targetDate}}
  - id: s2
    mode: http
    action: fetch
    url: https://{{tenant}}.example.com/api/export
    download: true
`

func writeRecipe(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipe.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want TextContent", result.Content[0])
	}
	return tc.Text
}

func TestHandleValidate_MissingPath(t *testing.T) {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{}

	result, err := HandleValidate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for missing path")
	}
}

func TestHandleValidate_ValidRecipe(t *testing.T) {
	path := writeRecipe(t, sampleRecipe)
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"path": path}

	result, err := HandleValidate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("expected success, got %q", resultText(t, result))
	}
	if text := resultText(t, result); !strings.Contains(text, "2 steps") {
		t.Errorf("result = %q, want step count", text)
	}
}

func TestHandleValidate_InvalidRecipe(t *testing.T) {
	// A browser-only action on an http step must be rejected.
	bad := strings.Replace(sampleRecipe, "action: fetch", "action: click", 1)
	path := writeRecipe(t, bad)
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"path": path}

	result, err := HandleValidate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for http step with browser action")
	}
}

func TestHandleSchema(t *testing.T) {
	req := mcp.CallToolRequest{}

	result, err := HandleSchema(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Error("expected success for schema export")
	}
	if text := resultText(t, result); !strings.Contains(text, "$schema") {
		t.Errorf("schema output missing $schema: %.80s", text)
	}
}

func TestHandlePlan_Executable(t *testing.T) {
	path := writeRecipe(t, sampleRecipe)
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{
		"path": path,
		"vars": map[string]any{"tenant": "acme"},
	}

	result, err := HandlePlan(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("expected executable plan, got %q", resultText(t, result))
	}
	text := resultText(t, result)
	if !strings.Contains(text, `"executable": true`) {
		t.Errorf("plan result = %q, want executable", text)
	}
	if !strings.Contains(text, "acme") {
		t.Errorf("plan result %q missing resolved tenant", text)
	}
}

func TestHandlePlan_ReportsUnresolved(t *testing.T) {
	path := writeRecipe(t, sampleRecipe)
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"path": path}

	result, err := HandlePlan(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected IsError for plan with unresolved variables")
	}
	if text := resultText(t, result); !strings.Contains(text, "tenant") {
		t.Errorf("plan result %q does not name the unresolved variable", text)
	}
}
