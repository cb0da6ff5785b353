// Package main provides the reprise-mcp binary — MCP server for AI agents.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	rmcp "github.com/ormasoftchile/reprise/pkg/ecosystem/mcp"
)

var version = "dev"

func main() {
	s := rmcp.NewServer(version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
