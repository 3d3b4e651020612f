package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// OpenAITransformer speaks the OpenAI chat completions wire format, which
// is also what Groq, OpenRouter, DeepSeek, vLLM and most self-hosted
// gateways accept.
type OpenAITransformer struct {
	name string
}

// NewOpenAITransformer creates a transformer labelled with the provider
// name used in error messages.
func NewOpenAITransformer(name string) *OpenAITransformer {
	return &OpenAITransformer{name: name}
}

func (t *OpenAITransformer) Endpoint() string { return "/chat/completions" }

func (t *OpenAITransformer) BuildBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	// Convert messages to the OpenAI wire format: tool_calls need the
	// type+function wrapper with arguments as a JSON string, and empty
	// content is omitted on assistant messages that carry tool_calls.
	msgs := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]interface{}{
			"role": m.Role,
		}

		if m.Role == "user" && len(m.Images) > 0 {
			var parts []map[string]interface{}
			for _, img := range m.Images {
				parts = append(parts, map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{
					"type": "text",
					"text": m.Content,
				})
			}
			msg["content"] = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]interface{}, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				toolCalls[i] = map[string]interface{}{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}

		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}

		msgs = append(msgs, msg)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   stream,
	}

	if len(req.Tools) > 0 {
		body["tools"] = CleanToolSchemas(t.name, req.Tools)
		body["tool_choice"] = "auto"
	}

	if stream {
		body["stream_options"] = map[string]interface{}{
			"include_usage": true,
		}
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

func (t *OpenAITransformer) ParseResponse(provider string, body io.Reader) (*ChatResponse, error) {
	var resp openAIResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &TransformError{Provider: provider, Cause: err}
	}

	result := &ChatResponse{FinishReason: FinishStop}
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		result.Content = msg.Content
		if fr := resp.Choices[0].FinishReason; fr != "" {
			result.FinishReason = fr
		}

		for _, tc := range msg.ToolCalls {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			})
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = FinishToolCalls
		}
	}

	if resp.Usage != nil {
		result.Usage = &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

func (t *OpenAITransformer) NewStream() StreamAdapter {
	return &openAIStream{calls: make(map[int]*openCall)}
}

// openCall tracks one streamed tool call between its first delta and the
// end of the stream.
type openCall struct {
	id      string
	name    string
	started bool
}

// openAIStream decodes "data: {json}" SSE lines. Every stream it accepts
// ends with exactly one finish chunk, synthesized at [DONE] when the
// server never sent a finish_reason.
type openAIStream struct {
	calls      map[int]*openCall
	finishSeen bool
}

func (s *openAIStream) ParseLine(line string) ([]Chunk, bool, error) {
	if !strings.HasPrefix(line, "data: ") {
		return nil, false, nil
	}
	data := strings.TrimPrefix(line, "data: ")
	if data == "[DONE]" {
		chunks := s.closeCalls()
		if !s.finishSeen {
			chunks = append(chunks, Chunk{Type: ChunkFinish, FinishReason: FinishStop})
			s.finishSeen = true
		}
		return chunks, true, nil
	}

	var sc openAIStreamChunk
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		// Tolerate malformed keepalive lines.
		return nil, false, nil
	}

	var chunks []Chunk
	if sc.Usage != nil {
		chunks = append(chunks, Chunk{Type: ChunkUsage, Usage: &Usage{
			InputTokens:  sc.Usage.PromptTokens,
			OutputTokens: sc.Usage.CompletionTokens,
			TotalTokens:  sc.Usage.TotalTokens,
		}})
	}
	if len(sc.Choices) == 0 {
		return chunks, false, nil
	}

	choice := sc.Choices[0]
	if choice.Delta.Content != "" {
		chunks = append(chunks, Chunk{Type: ChunkContent, Content: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		call, ok := s.calls[tc.Index]
		if !ok {
			call = &openCall{}
			s.calls[tc.Index] = call
		}
		if tc.ID != "" {
			call.id = tc.ID
		}
		if tc.Function.Name != "" {
			call.name = strings.TrimSpace(tc.Function.Name)
		}
		if !call.started && call.name != "" {
			call.started = true
			chunks = append(chunks, Chunk{Type: ChunkToolCallStart, CallID: call.id, Name: call.name})
		}
		if tc.Function.Arguments != "" {
			chunks = append(chunks, Chunk{Type: ChunkToolCallDelta, CallID: call.id, ArgsDelta: tc.Function.Arguments})
		}
	}

	if choice.FinishReason != "" && !s.finishSeen {
		s.finishSeen = true
		chunks = append(chunks, s.closeCalls()...)
		chunks = append(chunks, Chunk{Type: ChunkFinish, FinishReason: choice.FinishReason})
	}
	return chunks, false, nil
}

// closeCalls emits tool_call_end for every call that was started.
func (s *openAIStream) closeCalls() []Chunk {
	if len(s.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(s.calls))
	for i, call := range s.calls {
		if call.started {
			indexes = append(indexes, i)
		}
	}
	sort.Ints(indexes)

	var chunks []Chunk
	for _, i := range indexes {
		call := s.calls[i]
		chunks = append(chunks, Chunk{Type: ChunkToolCallEnd, CallID: call.id, Name: call.name})
		delete(s.calls, i)
	}
	return chunks
}

// --- OpenAI API types (internal) ---

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
