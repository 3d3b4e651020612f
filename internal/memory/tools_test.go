package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/bamboo/internal/tools"
)

func TestSaveTool(t *testing.T) {
	m := NewManager(t.TempDir())
	tool := NewSaveTool(m)

	ctx := tools.WithSessionID(context.Background(), "s42")
	res := tool.Execute(ctx, map[string]interface{}{
		"content": "speaks Vietnamese",
		"tags":    []interface{}{"language", ""},
	})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Result)
	}
	if !strings.HasPrefix(res.Result, "saved memory ") {
		t.Errorf("Result = %q", res.Result)
	}

	doc, err := m.Get("s42")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Memories) != 1 {
		t.Fatalf("len(Memories) = %d, want 1", len(doc.Memories))
	}
	if doc.Memories[0].Content != "speaks Vietnamese" {
		t.Errorf("Content = %q", doc.Memories[0].Content)
	}
	// Empty tag strings are dropped.
	if len(doc.Memories[0].Tags) != 1 || doc.Memories[0].Tags[0] != "language" {
		t.Errorf("Tags = %v", doc.Memories[0].Tags)
	}
}

func TestSaveToolFallbackSession(t *testing.T) {
	m := NewManager(t.TempDir())
	tool := NewSaveTool(m)

	res := tool.Execute(context.Background(), map[string]interface{}{"content": "note"})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Result)
	}
	doc, err := m.Get(fallbackSession)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Memories) != 1 {
		t.Errorf("fallback session has %d memories, want 1", len(doc.Memories))
	}
}

func TestSaveToolMissingContent(t *testing.T) {
	tool := NewSaveTool(NewManager(t.TempDir()))
	for _, args := range []map[string]interface{}{
		{},
		{"content": "   "},
		{"content": 7},
	} {
		res := tool.Execute(context.Background(), args)
		if res.Success {
			t.Errorf("Execute(%v) succeeded, want failure", args)
		}
	}
}

func TestSearchTool(t *testing.T) {
	m := seedManager(t)
	tool := NewSearchTool(m)

	res := tool.Execute(context.Background(), map[string]interface{}{"query": "metric"})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Result)
	}
	if !strings.Contains(res.Result, "prefers metric units") {
		t.Errorf("Result = %q", res.Result)
	}
	if !strings.Contains(res.Result, "(tags: units)") {
		t.Errorf("tags not rendered: %q", res.Result)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"query": "absent topic"})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Result)
	}
	if !strings.Contains(res.Result, `no memories matched "absent topic"`) {
		t.Errorf("Result = %q", res.Result)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{})
	if res.Success {
		t.Error("missing query should fail")
	}
}

func TestMemoryToolsImplementInterface(t *testing.T) {
	var _ tools.Tool = NewSaveTool(nil)
	var _ tools.Tool = NewSearchTool(nil)
}
