package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicTransformer speaks the Anthropic messages API. Its stream
// decoder is stateful: SSE events are tagged by an "event:" line and tool
// call arguments arrive as partial JSON keyed by content block index.
type AnthropicTransformer struct{}

// NewAnthropicTransformer creates the messages API transformer.
func NewAnthropicTransformer() *AnthropicTransformer {
	return &AnthropicTransformer{}
}

func (t *AnthropicTransformer) Endpoint() string { return "/messages" }

// ExtraHeaders returns the version header every messages API call needs.
func (t *AnthropicTransformer) ExtraHeaders() map[string]string {
	return map[string]string{"anthropic-version": anthropicAPIVersion}
}

func (t *AnthropicTransformer) BuildBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	// System messages become the top-level system field; tool results
	// fold into user messages carrying tool_result blocks.
	var systemBlocks []map[string]interface{}
	var messages []map[string]interface{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			systemBlocks = append(systemBlocks, map[string]interface{}{
				"type": "text",
				"text": msg.Content,
			})

		case "user":
			if len(msg.Images) > 0 {
				var blocks []map[string]interface{}
				for _, img := range msg.Images {
					blocks = append(blocks, map[string]interface{}{
						"type": "image",
						"source": map[string]interface{}{
							"type":       "base64",
							"media_type": img.MimeType,
							"data":       img.Data,
						},
					})
				}
				if msg.Content != "" {
					blocks = append(blocks, map[string]interface{}{
						"type": "text",
						"text": msg.Content,
					})
				}
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": blocks,
				})
			} else {
				messages = append(messages, map[string]interface{}{
					"role":    "user",
					"content": msg.Content,
				})
			}

		case "assistant":
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": msg.Content,
				})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]interface{}{
				"role":    "assistant",
				"content": blocks,
			})

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCallID,
						"content":     msg.Content,
					},
				},
			})
		}
	}

	body := map[string]interface{}{
		"model":      model,
		"max_tokens": 4096,
		"messages":   messages,
	}

	if stream {
		body["stream"] = true
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, tl := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         tl.Function.Name,
				"description":  tl.Function.Description,
				"input_schema": CleanSchemaForProvider("anthropic", tl.Function.Parameters),
			})
		}
		body["tools"] = tools
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}
	if v, ok := req.Options[OptTopP]; ok {
		body["top_p"] = v
	}

	return body
}

func (t *AnthropicTransformer) ParseResponse(provider string, body io.Reader) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &TransformError{Provider: provider, Cause: err}
	}

	result := &ChatResponse{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			args := make(map[string]interface{})
			_ = json.Unmarshal(block.Input, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	result.FinishReason = mapAnthropicStop(resp.StopReason)
	result.Usage = &Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return result, nil
}

func (t *AnthropicTransformer) NewStream() StreamAdapter {
	return &anthropicStream{blocks: make(map[int]*openCall)}
}

func mapAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}

// anthropicStream decodes the messages API SSE stream. It carries the
// current "event:" tag between lines and maps content block indexes to
// open tool calls. Every accepted stream ends with one finish chunk.
type anthropicStream struct {
	event      string
	blocks     map[int]*openCall
	usage      Usage
	finishSeen bool
	stopReason string
}

func (s *anthropicStream) ParseLine(line string) ([]Chunk, bool, error) {
	if strings.HasPrefix(line, "event: ") {
		s.event = strings.TrimPrefix(line, "event: ")
		return nil, false, nil
	}
	if !strings.HasPrefix(line, "data: ") {
		return nil, false, nil
	}
	data := strings.TrimPrefix(line, "data: ")

	switch s.event {
	case "message_start":
		var ev anthropicMessageStartEvent
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			s.usage.InputTokens = ev.Message.Usage.InputTokens
		}

	case "content_block_start":
		var ev anthropicContentBlockStartEvent
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			if ev.ContentBlock.Type == "tool_use" {
				call := &openCall{
					id:      ev.ContentBlock.ID,
					name:    strings.TrimSpace(ev.ContentBlock.Name),
					started: true,
				}
				s.blocks[ev.Index] = call
				return []Chunk{{Type: ChunkToolCallStart, CallID: call.id, Name: call.name}}, false, nil
			}
		}

	case "content_block_delta":
		var ev anthropicContentBlockDeltaEvent
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					return []Chunk{{Type: ChunkContent, Content: ev.Delta.Text}}, false, nil
				}
			case "input_json_delta":
				if call := s.blocks[ev.Index]; call != nil {
					return []Chunk{{Type: ChunkToolCallDelta, CallID: call.id, ArgsDelta: ev.Delta.PartialJSON}}, false, nil
				}
			}
		}

	case "content_block_stop":
		var ev anthropicContentBlockStopEvent
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			if call := s.blocks[ev.Index]; call != nil {
				delete(s.blocks, ev.Index)
				return []Chunk{{Type: ChunkToolCallEnd, CallID: call.id, Name: call.name}}, false, nil
			}
		}

	case "message_delta":
		var ev anthropicMessageDeltaEvent
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			if ev.Delta.StopReason != "" {
				s.stopReason = ev.Delta.StopReason
			}
			if ev.Usage.OutputTokens > 0 {
				s.usage.OutputTokens = ev.Usage.OutputTokens
			}
		}

	case "message_stop":
		var chunks []Chunk
		if s.usage.InputTokens > 0 || s.usage.OutputTokens > 0 {
			u := s.usage
			u.TotalTokens = u.InputTokens + u.OutputTokens
			chunks = append(chunks, Chunk{Type: ChunkUsage, Usage: &u})
		}
		if !s.finishSeen {
			s.finishSeen = true
			chunks = append(chunks, Chunk{Type: ChunkFinish, FinishReason: mapAnthropicStop(s.stopReason)})
		}
		return chunks, true, nil

	case "error":
		var ev anthropicErrorEvent
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			streamErr := fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			return []Chunk{{Type: ChunkError, Err: streamErr}}, true, nil
		}

	case "ping":
		// Keepalive.
	}

	return nil, false, nil
}

// --- Anthropic API types (internal) ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Streaming event types ---

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicContentBlockStopEvent struct {
	Index int `json:"index"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
