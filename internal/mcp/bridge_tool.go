package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/bamboo/internal/tools"
)

// BridgeTool exposes one remote MCP tool through the local registry.
// Registered names carry a per-server prefix so two servers can export
// same-named tools.
type BridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	name      string
	timeout   time.Duration
	connected *atomic.Bool
}

func NewBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	if prefix == "" {
		prefix = "mcp_" + server + "_"
	}
	return &BridgeTool{
		server:    server,
		tool:      tool,
		client:    client,
		name:      prefix + tool.Name,
		timeout:   time.Duration(timeoutSec) * time.Second,
		connected: connected,
	}
}

func (b *BridgeTool) Name() string {
	return b.name
}

// OriginalName returns the tool name as the server declares it.
func (b *BridgeTool) OriginalName() string {
	return b.tool.Name
}

func (b *BridgeTool) Description() string {
	desc := b.tool.Description
	if desc == "" {
		desc = "MCP tool " + b.tool.Name
	}
	return fmt.Sprintf("[%s] %s", b.server, desc)
}

func (b *BridgeTool) Parameters() map[string]interface{} {
	schema := map[string]interface{}{"type": "object"}
	if b.tool.InputSchema.Type != "" {
		schema["type"] = b.tool.InputSchema.Type
	}
	if len(b.tool.InputSchema.Properties) > 0 {
		schema["properties"] = b.tool.InputSchema.Properties
	}
	if len(b.tool.InputSchema.Required) > 0 {
		schema["required"] = b.tool.InputSchema.Required
	}
	return schema
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", b.server))
	}

	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call failed: %v", err)).WithError(err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewResult(text)
}

// flattenContent joins the text parts of a tool result. Non-text
// content is dropped; the model only consumes text.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
