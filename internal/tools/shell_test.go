package tools

import (
	"context"
	"strings"
	"testing"
)

func newShellTool(t *testing.T) *ExecuteCommandTool {
	t.Helper()
	return NewExecuteCommandTool(t.TempDir(), NewExecutor(ExecutorConfig{}))
}

func TestExecuteCommandEcho(t *testing.T) {
	tool := newShellTool(t)
	res := tool.Execute(context.Background(), map[string]interface{}{
		"command": "echo",
		"args":    []interface{}{"hello", "world"},
	})
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Result)
	}
	if strings.TrimSpace(res.Result) != "hello world" {
		t.Errorf("output = %q", res.Result)
	}
}

func TestExecuteCommandAllowlist(t *testing.T) {
	tool := newShellTool(t)

	tests := []struct {
		command string
		allowed bool
	}{
		{"ls", true},
		{"git", true},
		{"/usr/bin/cat", true}, // base name is checked
		{"rm", false},
		{"chmod", false},
		{"nmap", false},
	}
	for _, tt := range tests {
		res := tool.Execute(context.Background(), map[string]interface{}{"command": tt.command, "args": []interface{}{"--nope"}})
		denied := !res.Success && strings.Contains(res.Result, "not in the allowed list")
		if tt.allowed && denied {
			t.Errorf("command %q unexpectedly denied", tt.command)
		}
		if !tt.allowed && !denied {
			t.Errorf("command %q = %+v, want allowlist denial", tt.command, res)
		}
	}
}

func TestExecuteCommandMetacharacters(t *testing.T) {
	tool := newShellTool(t)
	for _, bad := range []string{"a;b", "x|y", "$(whoami)", "`id`", "a>b", "*"} {
		res := tool.Execute(context.Background(), map[string]interface{}{
			"command": "echo",
			"args":    []interface{}{bad},
		})
		if res.Success || !strings.Contains(res.Result, "metacharacters") {
			t.Errorf("arg %q = %+v, want metacharacter rejection", bad, res)
		}
	}
}

func TestExecuteCommandWorkingDirTraversal(t *testing.T) {
	tool := newShellTool(t)
	res := tool.Execute(context.Background(), map[string]interface{}{
		"command":     "pwd",
		"working_dir": "../outside",
	})
	if res.Success {
		t.Fatal("traversal working_dir accepted")
	}
}

func TestExecuteCommandMissingCommand(t *testing.T) {
	tool := newShellTool(t)
	res := tool.Execute(context.Background(), map[string]interface{}{})
	if res.Success || !strings.Contains(res.Result, "command is required") {
		t.Errorf("result = %+v", res)
	}
}
