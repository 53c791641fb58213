// Package tools defines the port for external tool access during task
// execution (web search, document retrieval).
package tools

import "context"

// Tool describes one callable tool advertised by a tool server.
type Tool struct {
	Name        string
	Description string
}

// Runner exposes external tools to data-gathering tasks. Implementations
// must be safe for concurrent use.
type Runner interface {
	// ListTools returns the tools currently available.
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool invokes a tool by name and returns its textual output.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}
