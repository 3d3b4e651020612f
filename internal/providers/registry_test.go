package providers

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	id string
}

func (s *stubProvider) ID() string           { return s.id }
func (s *stubProvider) DefaultModel() string { return "stub-model" }
func (s *stubProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: "from " + s.id, FinishReason: FinishStop}, nil
}
func (s *stubProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(Chunk)) error {
	if onChunk != nil {
		onChunk(Chunk{Type: ChunkContent, Content: "from " + s.id})
		onChunk(Chunk{Type: ChunkFinish, FinishReason: FinishStop})
	}
	return nil
}
func (s *stubProvider) Validate(ctx context.Context) error { return nil }

func TestRegistryFirstRegisteredIsDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{id: "anthropic"})
	r.Register(&stubProvider{id: "openai"})

	p, err := r.Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if p.ID() != "anthropic" {
		t.Errorf("default = %q, want anthropic", p.ID())
	}

	// Empty id resolves to the default too.
	p, err = r.Get("")
	if err != nil || p.ID() != "anthropic" {
		t.Errorf("Get(\"\") = %v, %v", p, err)
	}
}

func TestRegistryGetAndSetDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{id: "anthropic"})
	r.Register(&stubProvider{id: "openai"})

	p, err := r.Get("openai")
	if err != nil || p.ID() != "openai" {
		t.Fatalf("Get(openai) = %v, %v", p, err)
	}

	if err := r.SetDefault("openai"); err != nil {
		t.Fatalf("SetDefault() error = %v", err)
	}
	p, _ = r.Default()
	if p.ID() != "openai" {
		t.Errorf("default after SetDefault = %q, want openai", p.ID())
	}

	if err := r.SetDefault("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("SetDefault(missing) = %v, want ErrProviderNotFound", err)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("nope"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("Get(nope) = %v, want ErrProviderNotFound", err)
	}
	if _, err := r.Default(); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("empty Default() = %v, want ErrProviderNotFound", err)
	}
}

func TestRegistryIDs(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{id: "openai"})
	r.Register(&stubProvider{id: "anthropic"})
	r.Register(&stubProvider{id: "groq"})

	ids := r.IDs()
	want := []string{"anthropic", "groq", "openai"}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs()[%d] = %q, want %q (sorted)", i, ids[i], want[i])
		}
	}
}
