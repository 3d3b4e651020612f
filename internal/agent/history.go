package agent

import (
	"encoding/json"

	"github.com/nextlevelbuilder/bamboo/internal/providers"
	"github.com/nextlevelbuilder/bamboo/internal/session"
)

// buildMessages assembles the provider request from session history. The
// system prompt is injected at position 0 on every request rather than
// stored, so prompt changes and skill reloads reach existing sessions.
func buildMessages(systemPrompt string, history []session.Message) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range sanitizeHistory(history) {
		msgs = append(msgs, toProviderMessage(m))
	}
	return msgs
}

// sanitizeHistory repairs tool call pairing before history goes upstream.
// Providers reject transcripts where an assistant tool_calls message is not
// followed by a result for every call, which can happen after a crash mid
// turn. Orphaned tool results are dropped; missing ones are synthesized.
func sanitizeHistory(history []session.Message) []session.Message {
	out := make([]session.Message, 0, len(history))
	pending := map[string]bool{}
	var order []string

	flush := func() {
		for _, id := range order {
			if pending[id] {
				out = append(out, session.NewToolMessage(id, "[tool result unavailable]"))
			}
		}
		pending = map[string]bool{}
		order = nil
	}

	for _, m := range history {
		switch m.Role {
		case session.RoleTool:
			if m.ToolCallID == "" || !pending[m.ToolCallID] {
				continue
			}
			pending[m.ToolCallID] = false
			out = append(out, m)
		case session.RoleAssistant:
			flush()
			out = append(out, m)
			for _, c := range m.ToolCalls {
				pending[c.ID] = true
				order = append(order, c.ID)
			}
		default:
			flush()
			out = append(out, m)
		}
	}
	flush()
	return out
}

func toProviderMessage(m session.Message) providers.Message {
	pm := providers.Message{
		Role:       string(m.Role),
		Content:    m.Text(),
		ToolCallID: m.ToolCallID,
	}
	for _, p := range m.Parts {
		if p.Type == "image" && p.Data != "" {
			pm.Images = append(pm.Images, providers.ImageContent{MimeType: p.MimeType, Data: p.Data})
		}
	}
	for _, c := range m.ToolCalls {
		var args map[string]interface{}
		if len(c.Args) > 0 {
			if err := json.Unmarshal(c.Args, &args); err != nil {
				args = map[string]interface{}{}
			}
		}
		pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{ID: c.ID, Name: c.Name, Arguments: args})
	}
	return pm
}
