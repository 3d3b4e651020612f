package tools

import "fmt"

// CommandDeniedError marks a command blocked by the deny or allow policy.
type CommandDeniedError struct {
	Command string
	Pattern string // denylist pattern that matched; empty for allowlist misses
}

func (e *CommandDeniedError) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("command denied by safety policy: matches %q", e.Pattern)
	}
	return fmt.Sprintf("command %q is not on the allowlist", e.Command)
}

// MissingArgumentError marks a required argument absent from a tool call.
type MissingArgumentError struct {
	Arg string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("missing required argument %q", e.Arg)
}

// TypeMismatchError marks an argument whose JSON type does not match the
// tool definition.
type TypeMismatchError struct {
	Arg  string
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("argument %q: expected %s, got %s", e.Arg, e.Want, e.Got)
}
