package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds one tool subprocess.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxOutput caps combined stdout+stderr before truncation.
	DefaultMaxOutput = 1024 * 1024
)

// DefaultDenylist blocks commands whose path or invocation contains a
// known-destructive pattern. Matching is case-insensitive substring.
var DefaultDenylist = []string{
	"rm -rf /",
	"mkfs",
	"dd if=/dev/zero",
	":(){ :|:& };:", // fork bomb
}

// ExecutorConfig tunes the subprocess executor. Zero values fall back to
// the defaults above.
type ExecutorConfig struct {
	Timeout   time.Duration
	MaxOutput int
	Denylist  []string
	Allowlist []string // empty allows everything not denied
}

// Executor runs tool commands in child processes with a timeout, an
// output cap, and a dangerous-command policy.
type Executor struct {
	timeout   time.Duration
	maxOutput int
	denylist  []string
	allowlist []string
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.Denylist == nil {
		cfg.Denylist = DefaultDenylist
	}
	return &Executor{
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		denylist:  cfg.Denylist,
		allowlist: cfg.Allowlist,
	}
}

// CheckCommand applies the deny and allow policies to a command string.
func (e *Executor) CheckCommand(command string) error {
	lower := strings.ToLower(command)
	for _, pattern := range e.denylist {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return &CommandDeniedError{Command: command, Pattern: pattern}
		}
	}
	if len(e.allowlist) > 0 {
		for _, allowed := range e.allowlist {
			if strings.Contains(command, allowed) {
				return nil
			}
		}
		return &CommandDeniedError{Command: command}
	}
	return nil
}

// interpreterFor picks the interpreter by file extension. Scripts run
// through sh, python3, or node; anything else executes directly.
func interpreterFor(path string) (string, bool) {
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "sh", "bash", "zsh":
		return "sh", true
	case "py":
		return "python3", true
	case "js", "mjs", "cjs":
		return "node", true
	}
	return "", false
}

// Run executes command with extraEnv appended to the inherited
// environment. Stdout becomes the result on exit 0; stderr (or the exec
// error) becomes the result otherwise. Combined output is truncated at
// the configured cap.
func (e *Executor) Run(ctx context.Context, command string, extraEnv []string, dir string) *Result {
	if err := e.CheckCommand(command); err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if interp, ok := interpreterFor(command); ok {
		cmd = exec.CommandContext(ctx, interp, command)
	} else {
		cmd = exec.CommandContext(ctx, command)
	}
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s", e.timeout))
	}

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			if exitErr, ok := err.(*exec.ExitError); ok {
				msg = fmt.Sprintf("exit code %d", exitErr.ExitCode())
			} else {
				msg = err.Error()
			}
		}
		return ErrorResult(e.truncate(msg))
	}

	return NewResult(e.truncate(stdout.String()))
}

// truncate caps s at maxOutput bytes and appends a marker when cut.
func (e *Executor) truncate(s string) string {
	if len(s) <= e.maxOutput {
		return s
	}
	return fmt.Sprintf("%s\n[output truncated - exceeded %d byte limit]", s[:e.maxOutput], e.maxOutput)
}

// Timeout reports the per-call deadline, for error messages.
func (e *Executor) Timeout() time.Duration { return e.timeout }
