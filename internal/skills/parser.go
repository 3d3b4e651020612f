package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFile parses the SKILL.md at path.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse parses SKILL.md content. dir is the skill directory; relative
// tool commands are resolved against it.
func Parse(data []byte, dir string) (*Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var sk Skill
	if err := yaml.Unmarshal(front, &sk); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if sk.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if sk.Version == "" {
		return nil, fmt.Errorf("skill version is required")
	}
	if sk.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	for i := range sk.Tools {
		if sk.Tools[i].Name == "" {
			return nil, fmt.Errorf("skill %s: tool at index %d has no name", sk.Name, i)
		}
		if cmd := sk.Tools[i].Command; cmd != "" && !filepath.IsAbs(cmd) {
			sk.Tools[i].Command = filepath.Join(dir, cmd)
		}
	}

	sk.Prompt = strings.TrimSpace(string(body))
	sk.Dir = dir
	return &sk, nil
}

// splitFrontmatter separates the YAML frontmatter from the markdown
// body. The first line must be the opening delimiter.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() || strings.TrimSpace(sc.Text()) != frontmatterDelim {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == frontmatterDelim {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for sc.Scan() {
		body = append(body, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}

	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), nil
}

// ScanDir looks for SKILL.md in each immediate subdirectory of dir.
// Manifests that fail to parse are logged and skipped. A missing dir is
// not an error.
func ScanDir(dir string) ([]*Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var found []*Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), Filename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		sk, err := ParseFile(path)
		if err != nil {
			slog.Warn("skill parse failed", "path", path, "error", err)
			continue
		}
		found = append(found, sk)
	}
	return found, nil
}
