// Package tools contains both sides of the tool protocol: the MCP caller
// used by stage workers, and the MCP tool servers for the database and
// knowledge-base roles.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/querylens/querylens/pkg/version"
)

// Caller is a connected MCP client against one tool server endpoint.
type Caller struct {
	endpoint string
	client   *mcpclient.Client
}

// Connect dials a streamable-HTTP MCP endpoint and performs the handshake.
func Connect(ctx context.Context, endpoint string) (*Caller, error) {
	client, err := mcpclient.NewStreamableHttpClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("create MCP client for %s: %w", endpoint, err)
	}

	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("start MCP transport to %s: %w", endpoint, err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize MCP session with %s: %w", endpoint, err)
	}

	return &Caller{endpoint: endpoint, client: client}, nil
}

// Call invokes one tool and returns the concatenated text content. A result
// flagged IsError comes back as a Go error so the loop can feed it to the
// model.
func (c *Caller) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := c.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", tool, c.endpoint, err)
	}

	var sb strings.Builder
	for _, content := range resp.Content {
		if text, ok := content.(mcpgo.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if resp.IsError {
		return "", fmt.Errorf("tool %s failed: %s", tool, sb.String())
	}
	return sb.String(), nil
}

// ListTools returns the server's advertised tools as name → JSON-schema
// input definitions.
func (c *Caller) ListTools(ctx context.Context) (map[string]map[string]any, error) {
	result, err := c.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", c.endpoint, err)
	}

	out := make(map[string]map[string]any, len(result.Tools))
	for _, tool := range result.Tools {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			continue
		}
		var schema map[string]any
		if err := json.Unmarshal(raw, &schema); err != nil {
			continue
		}
		out[tool.Name] = schema
	}
	return out, nil
}

// Ping checks the session is alive.
func (c *Caller) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close tears down the session.
func (c *Caller) Close() error {
	return c.client.Close()
}

// Probe dials an endpoint, pings it, and disconnects. Used by the registry
// prober.
func Probe(ctx context.Context, endpoint string) error {
	caller, err := Connect(ctx, endpoint)
	if err != nil {
		return err
	}
	defer func() { _ = caller.Close() }()
	return caller.Ping(ctx)
}
