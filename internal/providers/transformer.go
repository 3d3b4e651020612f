package providers

import "io"

// Transformer adapts the neutral request/response types to one provider
// wire format. Implementations are stateless; per-stream decode state
// lives in the StreamAdapter returned by NewStream.
type Transformer interface {
	// Endpoint is the request path appended to the provider base URL.
	Endpoint() string

	// BuildBody encodes a request for the wire.
	BuildBody(model string, req ChatRequest, stream bool) map[string]interface{}

	// ParseResponse decodes a complete (non-streaming) response body.
	ParseResponse(provider string, body io.Reader) (*ChatResponse, error)

	// NewStream returns a fresh decoder for one streaming response.
	NewStream() StreamAdapter
}

// StreamAdapter decodes one streaming response line by line. ParseLine
// returns any chunks the line yields; done reports the end of stream.
// Lines that carry nothing (keepalives, unknown events) yield no chunks
// and no error.
type StreamAdapter interface {
	ParseLine(line string) (chunks []Chunk, done bool, err error)
}

// CleanToolSchemas strips schema keywords that trip up stricter backends
// from every tool definition.
func CleanToolSchemas(provider string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}

// CleanSchemaForProvider removes JSON-schema keywords a provider rejects.
// "$schema" and "additionalProperties" are dropped everywhere; the rest
// of the schema passes through untouched.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	cleaned := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "$schema" || k == "additionalProperties" {
			continue
		}
		if sub, ok := v.(map[string]interface{}); ok {
			cleaned[k] = CleanSchemaForProvider(provider, sub)
			continue
		}
		cleaned[k] = v
	}
	return cleaned
}
