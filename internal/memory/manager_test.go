package memory

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestManagerGetMissing(t *testing.T) {
	m := NewManager(t.TempDir())
	doc, err := m.Get("nope")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if doc.SessionID != "nope" {
		t.Errorf("SessionID = %q, want %q", doc.SessionID, "nope")
	}
	if len(doc.Memories) != 0 {
		t.Errorf("len(Memories) = %d, want 0", len(doc.Memories))
	}
}

func TestManagerAppendRoundTrip(t *testing.T) {
	m := NewManager(t.TempDir())

	mem := New("other", "likes green tea")
	mem.Tags = []string{"preference"}
	doc, err := m.Append("s1", mem)
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if len(doc.Memories) != 1 {
		t.Fatalf("len(Memories) = %d, want 1", len(doc.Memories))
	}
	// Append owns the session id regardless of what the entry carried.
	if doc.Memories[0].SessionID != "s1" {
		t.Errorf("SessionID = %q, want %q", doc.Memories[0].SessionID, "s1")
	}

	if _, err := os.Stat(m.PathFor("s1")); err != nil {
		t.Fatalf("document not written: %v", err)
	}

	loaded, err := m.Get("s1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if loaded.Memories[0].Content != "likes green tea" {
		t.Errorf("Content = %q", loaded.Memories[0].Content)
	}
	if loaded.Memories[0].Tags[0] != "preference" {
		t.Errorf("Tags = %v", loaded.Memories[0].Tags)
	}
}

func seedManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(t.TempDir())
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	entries := []struct {
		session string
		content string
		tags    []string
		at      time.Time
	}{
		{"s1", "prefers metric units", []string{"units"}, base},
		{"s2", "works on the Hanoi office network", nil, base.Add(time.Minute)},
		{"s1", "deadline is March 3", []string{"Schedule"}, base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		mem := New(e.session, e.content)
		mem.Tags = e.tags
		mem.CreatedAt = e.at
		if _, err := m.Append(e.session, mem); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}
	return m
}

func TestManagerList(t *testing.T) {
	m := seedManager(t)

	all, err := m.List()
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Errorf("list not sorted by creation time at %d", i)
		}
	}
	if all[0].Content != "prefers metric units" {
		t.Errorf("all[0].Content = %q", all[0].Content)
	}
}

func TestManagerListMissingRoot(t *testing.T) {
	m := NewManager(t.TempDir() + "/absent")
	all, err := m.List()
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if all != nil {
		t.Errorf("all = %v, want nil", all)
	}
}

func TestManagerSearch(t *testing.T) {
	m := seedManager(t)

	tests := []struct {
		query string
		want  int
	}{
		{"metric", 1},
		{"HANOI", 1},   // content, case-insensitive
		{"schedule", 1}, // tag, case-insensitive
		{"march", 1},
		{"nothing here", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			hits, err := m.Search(tt.query)
			if err != nil {
				t.Fatalf("Search error: %v", err)
			}
			if len(hits) != tt.want {
				t.Errorf("Search(%q) = %d hits, want %d", tt.query, len(hits), tt.want)
			}
		})
	}
}

func TestManagerDelete(t *testing.T) {
	m := NewManager(t.TempDir())
	mem := New("s1", "temporary note")
	if _, err := m.Append("s1", mem); err != nil {
		t.Fatal(err)
	}

	if err := m.Delete("s1", mem.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	doc, err := m.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Memories) != 0 {
		t.Errorf("len(Memories) = %d, want 0", len(doc.Memories))
	}

	if err := m.Delete("s1", mem.ID); err == nil {
		t.Error("expected error deleting missing memory")
	}
}

func TestPromptSection(t *testing.T) {
	if got := PromptSection(nil); got != "" {
		t.Errorf("PromptSection(nil) = %q, want empty", got)
	}

	memories := []Memory{
		{Content: "  prefers metric units  "},
		{Content: "deadline is March 3"},
	}
	got := PromptSection(memories)
	if !strings.HasPrefix(got, "Things to remember") {
		t.Errorf("missing header: %q", got)
	}
	if !strings.Contains(got, "- prefers metric units\n") {
		t.Errorf("content not trimmed and listed: %q", got)
	}

	var many []Memory
	for i := 0; i < 55; i++ {
		many = append(many, Memory{Content: "note"})
	}
	lines := strings.Count(PromptSection(many), "\n")
	if lines != 51 { // header plus 50 entries
		t.Errorf("rendered %d lines, want 51", lines)
	}
}
