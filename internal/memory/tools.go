package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/bamboo/internal/tools"
)

// fallbackSession buckets memories saved outside any session context.
const fallbackSession = "global"

// SaveTool lets the model persist a note for future conversations.
type SaveTool struct {
	manager *Manager
}

func NewSaveTool(m *Manager) *SaveTool {
	return &SaveTool{manager: m}
}

func (t *SaveTool) Name() string {
	return "memory_save"
}

func (t *SaveTool) Description() string {
	return "Save a note to long-term memory so it is available in future conversations"
}

func (t *SaveTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The note to remember",
			},
			"tags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional labels used for retrieval",
			},
		},
		"required": []string{"content"},
	}
}

func (t *SaveTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return tools.ErrorResult("content is required")
	}

	sessionID := tools.SessionIDFromCtx(ctx)
	if sessionID == "" {
		sessionID = fallbackSession
	}

	mem := New(sessionID, content)
	if raw, ok := args["tags"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				mem.Tags = append(mem.Tags, s)
			}
		}
	}

	if _, err := t.manager.Append(sessionID, mem); err != nil {
		return tools.ErrorResult("save memory: " + err.Error()).WithError(err)
	}
	return tools.NewResult(fmt.Sprintf("saved memory %s", mem.ID))
}

// SearchTool lets the model recall notes saved in any session.
type SearchTool struct {
	manager *Manager
}

func NewSearchTool(m *Manager) *SearchTool {
	return &SearchTool{manager: m}
}

func (t *SearchTool) Name() string {
	return "memory_search"
}

func (t *SearchTool) Description() string {
	return "Search long-term memory for notes matching a query"
}

func (t *SearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Text to match against note content and tags",
			},
		},
		"required": []string{"query"},
	}
}

const maxSearchResults = 20

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return tools.ErrorResult("query is required")
	}

	hits, err := t.manager.Search(query)
	if err != nil {
		return tools.ErrorResult("search memory: " + err.Error()).WithError(err)
	}
	if len(hits) == 0 {
		return tools.NewResult(fmt.Sprintf("no memories matched %q", query))
	}
	if len(hits) > maxSearchResults {
		hits = hits[:maxSearchResults]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d memories matched %q:\n", len(hits), query)
	for _, mem := range hits {
		b.WriteString("- ")
		b.WriteString(mem.Content)
		if len(mem.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(mem.Tags, ", "))
		}
		b.WriteByte('\n')
	}
	return tools.NewResult(strings.TrimRight(b.String(), "\n"))
}
