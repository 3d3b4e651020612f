package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileToolsRoundTrip(t *testing.T) {
	ws := t.TempDir()
	write := NewWriteFileTool(ws, true)
	read := NewReadFileTool(ws, true)

	res := write.Execute(context.Background(), map[string]interface{}{
		"path":    "notes/today.md",
		"content": "buy tea",
	})
	if !res.Success {
		t.Fatalf("write failed: %s", res.Result)
	}

	res = read.Execute(context.Background(), map[string]interface{}{"path": "notes/today.md"})
	if !res.Success || res.Result != "buy tea" {
		t.Fatalf("read = %+v", res)
	}
}

func TestFileToolsEscapeDenied(t *testing.T) {
	ws := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("hidden"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws, true)
	write := NewWriteFileTool(ws, true)

	for _, path := range []string{"../escape.txt", outside} {
		if res := read.Execute(context.Background(), map[string]interface{}{"path": path}); res.Success {
			t.Errorf("read %q should be denied", path)
		}
		if res := write.Execute(context.Background(), map[string]interface{}{"path": path, "content": "x"}); res.Success {
			t.Errorf("write %q should be denied", path)
		}
	}
}

func TestFileToolsSymlinkEscapeDenied(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(ws, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	read := NewReadFileTool(ws, true)
	res := read.Execute(context.Background(), map[string]interface{}{"path": "sneaky/file.txt"})
	if res.Success {
		t.Error("read through escaping symlink should be denied")
	}
}

func TestFileToolsUnrestricted(t *testing.T) {
	ws := t.TempDir()
	other := t.TempDir()
	target := filepath.Join(other, "free.txt")
	if err := os.WriteFile(target, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws, false)
	res := read.Execute(context.Background(), map[string]interface{}{"path": target})
	if !res.Success || res.Result != "ok" {
		t.Errorf("unrestricted read = %+v", res)
	}
}

func TestListFilesTool(t *testing.T) {
	ws := t.TempDir()
	if err := os.Mkdir(filepath.Join(ws, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	list := NewListFilesTool(ws, true)
	res := list.Execute(context.Background(), map[string]interface{}{})
	if !res.Success {
		t.Fatalf("list failed: %s", res.Result)
	}
	if !strings.Contains(res.Result, "[DIR]  sub") || !strings.Contains(res.Result, "[FILE] a.txt") {
		t.Errorf("listing = %q", res.Result)
	}
}

func TestListFilesEmpty(t *testing.T) {
	list := NewListFilesTool(t.TempDir(), true)
	res := list.Execute(context.Background(), map[string]interface{}{})
	if !res.Success || !strings.Contains(res.Result, "empty") {
		t.Errorf("empty listing = %+v", res)
	}
}

func TestFileToolsMissingArgs(t *testing.T) {
	ws := t.TempDir()
	read := NewReadFileTool(ws, true)
	write := NewWriteFileTool(ws, true)

	if res := read.Execute(context.Background(), map[string]interface{}{}); res.Success {
		t.Error("read without path should fail")
	}
	if res := write.Execute(context.Background(), map[string]interface{}{"path": "x"}); res.Success {
		t.Error("write without content should fail")
	}
}
