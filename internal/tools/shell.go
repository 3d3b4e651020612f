package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// safeCommands is the base-name allowlist for execute_command. Commands
// run without a shell, so pipelines and redirection never reach here.
var safeCommands = map[string]bool{
	// file and directory inspection
	"ls": true, "cat": true, "head": true, "tail": true, "pwd": true,
	"find": true, "grep": true, "wc": true, "sort": true, "uniq": true,
	"diff": true, "file": true, "stat": true, "basename": true, "dirname": true,
	"readlink": true, "realpath": true, "tree": true, "du": true, "df": true,
	// text processing
	"echo": true, "printf": true, "sed": true, "awk": true, "cut": true,
	"tr": true, "jq": true, "yq": true, "rg": true,
	// system info
	"uname": true, "hostname": true, "whoami": true, "id": true,
	"date": true, "uptime": true, "which": true, "ps": true,
	// version control and build
	"git": true, "go": true, "make": true, "npm": true, "yarn": true, "pnpm": true,
	"cargo": true, "python3": true, "python": true, "node": true,
	// archives and hashes
	"tar": true, "gzip": true, "gunzip": true, "zip": true, "unzip": true,
	"md5sum": true, "sha256sum": true, "base64": true, "uuidgen": true,
	// network diagnostics
	"ping": true, "curl": true, "wget": true, "host": true, "dig": true,
}

// shellMeta are characters rejected in arguments: execute_command never
// spawns a shell, so their only use would be smuggling one in.
const shellMeta = ";|&$`()<>*?[]{}~#\\\n\r\t"

// ExecuteCommandTool runs an allowlisted command with plain arguments.
type ExecuteCommandTool struct {
	workspace string
	exec      *Executor
}

func NewExecuteCommandTool(workspace string, exec *Executor) *ExecuteCommandTool {
	return &ExecuteCommandTool{workspace: workspace, exec: exec}
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	return "Execute an allowlisted system command and return its output"
}
func (t *ExecuteCommandTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The command to run (base name must be on the allowlist)",
			},
			"args": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Arguments passed to the command",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory, relative to the workspace",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	base := filepath.Base(command)
	if !safeCommands[base] {
		return ErrorResult(fmt.Sprintf("command %q is not in the allowed list", base))
	}

	var cmdArgs []string
	if raw, ok := args["args"].([]interface{}); ok {
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				return ErrorResult("args must be an array of strings")
			}
			if strings.ContainsAny(s, shellMeta) {
				return ErrorResult(fmt.Sprintf("argument contains shell metacharacters: %s", s))
			}
			cmdArgs = append(cmdArgs, s)
		}
	}

	dir := t.workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		if strings.Contains(wd, "..") {
			return ErrorResult("invalid working directory: contains '..'")
		}
		resolved, err := resolvePath(wd, t.workspace, true)
		if err != nil {
			return ErrorResult(err.Error())
		}
		dir = resolved
	}

	return t.run(ctx, command, cmdArgs, dir)
}

// run executes the command without a shell, under the executor's timeout
// and output cap.
func (t *ExecuteCommandTool) run(ctx context.Context, command string, args []string, dir string) *Result {
	line := command
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	if err := t.exec.CheckCommand(line); err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.exec.Timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s", t.exec.Timeout()))
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return ErrorResult(t.exec.truncate(msg))
	}
	return NewResult(t.exec.truncate(stdout.String()))
}
