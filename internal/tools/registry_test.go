package tools

import (
	"context"
	"strings"
	"testing"
)

type fakeTool struct {
	name string
	desc string
	out  string
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return f.desc }
func (f *fakeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return NewResult(f.out)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "alpha", out: "a"})
	r.Register(&fakeTool{name: "beta", out: "b"})

	tool, ok := r.Get("alpha")
	if !ok || tool.Name() != "alpha" {
		t.Fatalf("Get(alpha) = %v, %v", tool, ok)
	}
	if _, ok := r.Get("gamma"); ok {
		t.Error("Get(gamma) should miss")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistryLastWriterWins(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "dup", out: "first"})
	r.Register(&fakeTool{name: "dup", out: "second"})

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	res := r.Execute(context.Background(), "dup", nil)
	if res.Result != "second" {
		t.Errorf("Execute(dup) = %q, want the replacement", res.Result)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "temp"})
	r.Unregister("temp")

	if _, ok := r.Get("temp"); ok {
		t.Error("tool still present after Unregister")
	}
	// Unregistering a missing name is a no-op.
	r.Unregister("never")
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "zeta"})
	r.Register(&fakeTool{name: "alpha"})
	r.Register(&fakeTool{name: "mid"})

	names := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestRegistryProviderDefs(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "get_weather", desc: "Fetch a forecast"})

	defs := r.ProviderDefs()
	if len(defs) != 1 {
		t.Fatalf("defs = %d, want 1", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "get_weather" {
		t.Errorf("def = %+v", defs[0])
	}
	if defs[0].Function.Parameters["type"] != "object" {
		t.Errorf("parameters = %v", defs[0].Function.Parameters)
	}
}

func TestRegistryExecuteUnknown(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "ghost", nil)
	if res.Success {
		t.Fatal("unknown tool should fail")
	}
	if !strings.Contains(res.Result, "not found") {
		t.Errorf("result = %q", res.Result)
	}
}
