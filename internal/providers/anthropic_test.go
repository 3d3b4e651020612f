package providers

import (
	"strings"
	"testing"
)

func TestAnthropicStreamText(t *testing.T) {
	s := NewAnthropicTransformer().NewStream()
	chunks := feedLines(t, s, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":10}}}`,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Xin "}}`,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"chào"}}`,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
	})

	var text string
	var usage *Usage
	var finish string
	for _, c := range chunks {
		switch c.Type {
		case ChunkContent:
			text += c.Content
		case ChunkUsage:
			usage = c.Usage
		case ChunkFinish:
			finish = c.FinishReason
		}
	}

	if text != "Xin chào" {
		t.Errorf("accumulated text = %q, want %q", text, "Xin chào")
	}
	if usage == nil || usage.InputTokens != 10 || usage.OutputTokens != 4 {
		t.Errorf("usage = %+v, want 10 in / 4 out", usage)
	}
	if finish != FinishStop {
		t.Errorf("finish reason = %q, want %q", finish, FinishStop)
	}
}

func TestAnthropicStreamToolUse(t *testing.T) {
	s := NewAnthropicTransformer().NewStream()
	chunks := feedLines(t, s, []string{
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"list_files"}}`,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\".\"}"}}`,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
	})

	want := []ChunkType{ChunkToolCallStart, ChunkToolCallDelta, ChunkToolCallDelta, ChunkToolCallEnd, ChunkUsage, ChunkFinish}
	got := chunkTypes(chunks)
	if len(got) != len(want) {
		t.Fatalf("chunk types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if chunks[0].CallID != "toolu_1" || chunks[0].Name != "list_files" {
		t.Errorf("tool start = (%q, %q)", chunks[0].CallID, chunks[0].Name)
	}
	args := chunks[1].ArgsDelta + chunks[2].ArgsDelta
	if args != `{"path":"."}` {
		t.Errorf("accumulated args = %q", args)
	}
	if chunks[5].FinishReason != FinishToolCalls {
		t.Errorf("finish reason = %q, want %q", chunks[5].FinishReason, FinishToolCalls)
	}
}

func TestAnthropicStreamError(t *testing.T) {
	s := NewAnthropicTransformer().NewStream()
	chunks, done, err := s.ParseLine(`event: error`)
	if err != nil || done || len(chunks) != 0 {
		t.Fatalf("event line = (%v, %v, %v)", chunks, done, err)
	}
	chunks, done, err = s.ParseLine(`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	if err != nil {
		t.Fatalf("ParseLine() error = %v", err)
	}
	if !done {
		t.Error("error event should terminate the stream")
	}
	if len(chunks) != 1 || chunks[0].Type != ChunkError || chunks[0].Err == nil {
		t.Fatalf("chunks = %v, want one error chunk", chunks)
	}
	if !strings.Contains(chunks[0].Err.Error(), "overloaded_error") {
		t.Errorf("error = %v, want to mention overloaded_error", chunks[0].Err)
	}
}

func TestAnthropicStreamPing(t *testing.T) {
	s := NewAnthropicTransformer().NewStream()
	for _, line := range []string{`event: ping`, `data: {"type":"ping"}`} {
		chunks, done, err := s.ParseLine(line)
		if err != nil || done || len(chunks) != 0 {
			t.Errorf("ParseLine(%q) = (%v, %v, %v), want silent skip", line, chunks, done, err)
		}
	}
}

func TestAnthropicBuildBodySystem(t *testing.T) {
	tr := NewAnthropicTransformer()
	body := tr.BuildBody("claude-sonnet-4-20250514", ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "hi"},
		},
	}, false)

	// System messages move to the top-level system field as text blocks.
	sys, ok := body["system"].([]map[string]interface{})
	if !ok || len(sys) != 1 || sys[0]["text"] != "You are terse." {
		t.Errorf("system = %v", body["system"])
	}
	msgs := body["messages"].([]map[string]interface{})
	if len(msgs) != 1 || msgs[0]["role"] != "user" {
		t.Errorf("messages = %v, want single user message", msgs)
	}
	if body["max_tokens"] == nil {
		t.Error("max_tokens default missing")
	}
}

func TestAnthropicBuildBodyToolResult(t *testing.T) {
	tr := NewAnthropicTransformer()
	body := tr.BuildBody("claude-sonnet-4-20250514", ChatRequest{
		Messages: []Message{
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID:        "toolu_1",
				Name:      "read_file",
				Arguments: map[string]interface{}{"path": "go.mod"},
			}}},
			{Role: "tool", Content: "module demo", ToolCallID: "toolu_1"},
		},
	}, false)

	msgs := body["messages"].([]map[string]interface{})
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}

	// Assistant tool calls become tool_use content blocks.
	blocks := msgs[0]["content"].([]map[string]interface{})
	var sawToolUse bool
	for _, b := range blocks {
		if b["type"] == "tool_use" {
			sawToolUse = true
			if b["id"] != "toolu_1" || b["name"] != "read_file" {
				t.Errorf("tool_use block = %v", b)
			}
		}
	}
	if !sawToolUse {
		t.Error("assistant message missing tool_use block")
	}

	// Tool results are user messages with a tool_result block.
	if msgs[1]["role"] != "user" {
		t.Errorf("tool result role = %v, want user", msgs[1]["role"])
	}
	rblocks := msgs[1]["content"].([]map[string]interface{})
	if rblocks[0]["type"] != "tool_result" || rblocks[0]["tool_use_id"] != "toolu_1" {
		t.Errorf("tool_result block = %v", rblocks[0])
	}
}

func TestAnthropicParseResponse(t *testing.T) {
	tr := NewAnthropicTransformer()
	resp, err := tr.ParseResponse("anthropic", strings.NewReader(`{
		"content":[
			{"type":"text","text":"Checking."},
			{"type":"tool_use","id":"toolu_2","name":"get_time","input":{"tz":"Asia/Ho_Chi_Minh"}}
		],
		"stop_reason":"tool_use",
		"usage":{"input_tokens":30,"output_tokens":15}
	}`))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}

	if resp.Content != "Checking." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "get_time" {
		t.Fatalf("tool calls = %v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["tz"] != "Asia/Ho_Chi_Minh" {
		t.Errorf("arguments = %v", resp.ToolCalls[0].Arguments)
	}
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("finish reason = %q, want %q", resp.FinishReason, FinishToolCalls)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 45 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestMapAnthropicStop(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"end_turn", FinishStop},
		{"stop_sequence", FinishStop},
		{"tool_use", FinishToolCalls},
		{"max_tokens", FinishLength},
		{"", FinishStop},
	}
	for _, tt := range tests {
		if got := mapAnthropicStop(tt.reason); got != tt.want {
			t.Errorf("mapAnthropicStop(%q) = %q, want %q", tt.reason, got, tt.want)
		}
	}
}
