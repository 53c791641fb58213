// Package mcp connects task execution to an external MCP tool server
// (web search, document retrieval). One Runner wraps one server connection.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"

	"github.com/potentialgenie/teamflow/internal/config"
	"github.com/potentialgenie/teamflow/internal/port/tools"
)

// Runner implements the tools.Runner port over an MCP client connection.
type Runner struct {
	client      mcpclient.MCPClient
	callTimeout time.Duration
}

// NewRunner connects to the configured MCP server and performs the
// Initialize handshake. The whole handshake is bounded by the call timeout.
func NewRunner(ctx context.Context, cfg config.Tools) (*Runner, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	defer cancel()

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "teamflow",
		Version: "1.0.0",
	}
	initResult, err := client.Initialize(ctx, initReq)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	slog.Info("mcp tool server connected",
		"server_name", initResult.ServerInfo.Name,
		"server_version", initResult.ServerInfo.Version,
	)

	return &Runner{client: client, callTimeout: cfg.CallTimeout}, nil
}

// newClient builds an mcp-go client for the configured transport.
func newClient(cfg config.Tools) (mcpclient.MCPClient, error) {
	switch cfg.Transport {
	case "stdio":
		env := envMapToSlice(cfg.Env)
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// ListTools returns the tools the server currently advertises.
func (r *Runner) ListTools(ctx context.Context) ([]tools.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	result, err := r.client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp tools/list: %w", err)
	}

	out := make([]tools.Tool, 0, len(result.Tools))
	for i := range result.Tools {
		out = append(out, tools.Tool{
			Name:        result.Tools[i].Name,
			Description: result.Tools[i].Description,
		})
	}
	return out, nil
}

// CallTool invokes one tool and concatenates the text content of its result.
func (r *Runner) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	result, err := r.client.CallTool(ctx, mcpprotocol.CallToolRequest{
		Params: mcpprotocol.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return "", fmt.Errorf("mcp tool %s: %w", name, err)
	}

	var b strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(mcpprotocol.TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcp tool %s: %s", name, b.String())
	}
	return b.String(), nil
}

// Close shuts down the underlying MCP connection.
func (r *Runner) Close() error {
	return r.client.Close()
}

// envMapToSlice converts a map to the KEY=VALUE slice format expected by exec.Cmd.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
