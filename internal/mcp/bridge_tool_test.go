package mcp

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func sampleTool() mcpgo.Tool {
	return mcpgo.Tool{
		Name:        "search_issues",
		Description: "Search issues in a tracker",
		InputSchema: mcpgo.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			Required: []string{"query"},
		},
	}
}

func TestBridgeToolName(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{"default prefix", "", "mcp_tracker_search_issues"},
		{"explicit prefix", "trk_", "trk_search_issues"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bt := NewBridgeTool("tracker", sampleTool(), nil, tt.prefix, 60, nil)
			if bt.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", bt.Name(), tt.want)
			}
			if bt.OriginalName() != "search_issues" {
				t.Errorf("OriginalName() = %q", bt.OriginalName())
			}
		})
	}
}

func TestBridgeToolDescription(t *testing.T) {
	bt := NewBridgeTool("tracker", sampleTool(), nil, "", 60, nil)
	if bt.Description() != "[tracker] Search issues in a tracker" {
		t.Errorf("Description() = %q", bt.Description())
	}

	bare := sampleTool()
	bare.Description = ""
	bt = NewBridgeTool("tracker", bare, nil, "", 60, nil)
	if !strings.Contains(bt.Description(), "MCP tool search_issues") {
		t.Errorf("fallback Description() = %q", bt.Description())
	}
}

func TestBridgeToolParameters(t *testing.T) {
	bt := NewBridgeTool("tracker", sampleTool(), nil, "", 60, nil)
	params := bt.Parameters()

	if params["type"] != "object" {
		t.Errorf("type = %v", params["type"])
	}
	props, ok := params["properties"].(map[string]interface{})
	if !ok || props["query"] == nil {
		t.Errorf("properties = %v", params["properties"])
	}
	req, ok := params["required"].([]string)
	if !ok || len(req) != 1 || req[0] != "query" {
		t.Errorf("required = %v", params["required"])
	}

	// An empty schema still yields a valid object schema.
	empty := NewBridgeTool("tracker", mcpgo.Tool{Name: "t"}, nil, "", 60, nil)
	params = empty.Parameters()
	if params["type"] != "object" {
		t.Errorf("empty schema type = %v", params["type"])
	}
	if _, ok := params["properties"]; ok {
		t.Error("empty schema should omit properties")
	}
}

func TestBridgeToolDisconnected(t *testing.T) {
	var connected atomic.Bool // false
	bt := NewBridgeTool("tracker", sampleTool(), nil, "", 60, &connected)

	res := bt.Execute(context.Background(), map[string]interface{}{"query": "x"})
	if res.Success {
		t.Fatal("Execute succeeded against disconnected server")
	}
	if !strings.Contains(res.Result, "tracker is not connected") {
		t.Errorf("Result = %q", res.Result)
	}
}

func TestFlattenContent(t *testing.T) {
	got := flattenContent([]mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "first"},
		mcpgo.TextContent{Type: "text", Text: "second"},
	})
	if got != "first\nsecond" {
		t.Errorf("flattenContent = %q", got)
	}

	if got := flattenContent(nil); got != "" {
		t.Errorf("flattenContent(nil) = %q", got)
	}
}

func TestMapToEnvSlice(t *testing.T) {
	if mapToEnvSlice(nil) != nil {
		t.Error("nil map should return nil")
	}
	s := mapToEnvSlice(map[string]string{"A": "1"})
	if len(s) != 1 || s[0] != "A=1" {
		t.Errorf("mapToEnvSlice = %v", s)
	}
}
