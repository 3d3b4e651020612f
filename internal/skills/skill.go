// Package skills loads tool-bearing skill packages from the filesystem.
//
// A skill is a directory containing a SKILL.md file: YAML frontmatter
// declaring the skill and its tools, followed by a markdown body that is
// appended to the agent system prompt while the skill is installed.
package skills

import (
	"sort"

	"github.com/nextlevelbuilder/bamboo/internal/tools"
)

const (
	// Filename is the manifest file looked up in each skill directory.
	Filename = "SKILL.md"

	frontmatterDelim = "---"
)

// Skill is one loaded skill: the frontmatter fields plus the markdown
// body and the directory it was loaded from.
type Skill struct {
	Name        string             `yaml:"name"`
	Version     string             `yaml:"version"`
	Description string             `yaml:"description"`
	Author      string             `yaml:"author,omitempty"`
	Tools       []tools.Definition `yaml:"tools,omitempty"`

	// Prompt is the markdown body below the frontmatter.
	Prompt string `yaml:"-"`
	// Dir contains SKILL.md. Relative tool commands are resolved
	// against it at parse time.
	Dir string `yaml:"-"`
}

func (s *Skill) hasTool(name string) bool {
	for _, td := range s.Tools {
		if td.Name == name {
			return true
		}
	}
	return false
}

// ToolNames returns the skill's tool names, sorted.
func (s *Skill) ToolNames() []string {
	names := make([]string, 0, len(s.Tools))
	for _, td := range s.Tools {
		names = append(names, td.Name)
	}
	sort.Strings(names)
	return names
}
