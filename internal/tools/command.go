package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ArgType names the JSON type an argument must carry.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgNumber  ArgType = "number"
	ArgBoolean ArgType = "boolean"
	ArgArray   ArgType = "array"
	ArgObject  ArgType = "object"
)

// Matches reports whether a decoded JSON value has this type. Numbers
// cover both float64 from json decoding and native ints from
// programmatic calls.
func (t ArgType) Matches(v interface{}) bool {
	switch t {
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgNumber:
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case ArgBoolean:
		_, ok := v.(bool)
		return ok
	case ArgArray:
		_, ok := v.([]interface{})
		return ok
	case ArgObject:
		_, ok := v.(map[string]interface{})
		return ok
	}
	return false
}

// ArgSpec declares one argument of a command tool.
type ArgSpec struct {
	Name        string      `json:"name" yaml:"name"`
	Type        ArgType     `json:"type" yaml:"type"`
	Required    bool        `json:"required" yaml:"required"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// Definition describes a command tool as declared in a skill manifest.
// Command is resolved to an absolute path before the tool is built.
type Definition struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string    `json:"command" yaml:"command"`
	Args        []ArgSpec `json:"args,omitempty" yaml:"args,omitempty"`
}

// CommandTool runs a script or binary declared by a skill manifest,
// passing validated arguments through ARG_* environment variables.
type CommandTool struct {
	def  Definition
	exec *Executor
}

func NewCommandTool(def Definition, exec *Executor) *CommandTool {
	return &CommandTool{def: def, exec: exec}
}

func (t *CommandTool) Name() string        { return t.def.Name }
func (t *CommandTool) Description() string { return t.def.Description }

// Command exposes the resolved command path.
func (t *CommandTool) Command() string { return t.def.Command }

// Parameters projects the arg specs into a JSON schema for the LLM.
func (t *CommandTool) Parameters() map[string]interface{} {
	props := make(map[string]interface{}, len(t.def.Args))
	var required []string
	for _, arg := range t.def.Args {
		prop := map[string]interface{}{
			"type": string(arg.Type),
		}
		if arg.Description != "" {
			prop["description"] = arg.Description
		}
		if arg.Default != nil {
			prop["default"] = arg.Default
		}
		props[arg.Name] = prop
		if arg.Required {
			required = append(required, arg.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (t *CommandTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	merged, err := t.validateArgs(args)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}

	if _, err := os.Stat(t.def.Command); err != nil {
		return ErrorResult(fmt.Sprintf("script not found: %s", t.def.Command))
	}

	return t.exec.Run(ctx, t.def.Command, encodeArgEnv(merged), "")
}

// validateArgs applies defaults and checks presence and types against the
// tool definition. Arguments outside the definition pass through.
func (t *CommandTool) validateArgs(args map[string]interface{}) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(args))
	for k, v := range args {
		merged[k] = v
	}

	for _, spec := range t.def.Args {
		v, present := merged[spec.Name]
		if !present {
			if spec.Required {
				return nil, &MissingArgumentError{Arg: spec.Name}
			}
			if spec.Default != nil {
				merged[spec.Name] = spec.Default
			}
			continue
		}
		if !spec.Type.Matches(v) {
			return nil, &TypeMismatchError{Arg: spec.Name, Want: string(spec.Type), Got: jsonTypeName(v)}
		}
	}
	return merged, nil
}

// encodeArgEnv turns arguments into ARG_<NAME>=value pairs. Strings pass
// through raw; everything else is compact JSON.
func encodeArgEnv(args map[string]interface{}) []string {
	env := make([]string, 0, len(args))
	for name, v := range args {
		var value string
		if s, ok := v.(string); ok {
			value = s
		} else {
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			value = string(data)
		}
		env = append(env, fmt.Sprintf("ARG_%s=%s", strings.ToUpper(name), value))
	}
	return env
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, float32, int, int64, json.Number:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
