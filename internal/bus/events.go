// Package bus is the in-process event bus connecting the transports, the
// agent runtime, and the session layer. Publishers never block: each
// subscriber owns a bounded FIFO and the oldest event is dropped when a
// slow consumer falls behind.
package bus

import "encoding/json"

// EventType tags an Event on the bus.
type EventType string

// Runtime event types.
const (
	EventChatRequest    EventType = "chat_request"
	EventCommand        EventType = "command"
	EventToken          EventType = "token"
	EventToolStart      EventType = "tool_start"
	EventToolComplete   EventType = "tool_complete"
	EventToolError      EventType = "tool_error"
	EventAgentComplete  EventType = "agent_complete"
	EventAgentError     EventType = "agent_error"
	EventSessionCreated EventType = "session_created"
	EventSessionClosed  EventType = "session_closed"
	EventConfigUpdated  EventType = "config_updated"
)

// Reply transports.
const (
	ReplyGateway = "gateway"
	ReplyHTTP    = "http"
)

// ReplyChannel tags a chat request with the egress path that renders its
// events: the gateway connection bound to a session, or the SSE response
// opened for an HTTP request.
type ReplyChannel struct {
	Transport string `json:"transport"` // "gateway" or "http"
	Target    string `json:"target"`    // session id or request id
}

// GatewayReply routes a turn's events to the WebSocket bound to session.
func GatewayReply(sessionID string) *ReplyChannel {
	return &ReplyChannel{Transport: ReplyGateway, Target: sessionID}
}

// HTTPReply routes a turn's events to the SSE stream for requestID.
func HTTPReply(requestID string) *ReplyChannel {
	return &ReplyChannel{Transport: ReplyHTTP, Target: requestID}
}

// Usage reports token counts accumulated over one agent turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
	Display string `json:"display_preference,omitempty"`
}

// Event is one message on the bus. Type selects the variant; the other
// fields are populated per type and omitted otherwise. Consumers filter
// by SessionID, which is set on every type except config_updated.
type Event struct {
	Type      EventType       `json:"event_type"`
	SessionID string          `json:"session_id,omitempty"`
	ReplyTo   *ReplyChannel   `json:"reply_to,omitempty"`
	Content   string          `json:"content,omitempty"`
	Model     string          `json:"model,omitempty"`
	Command   string          `json:"command,omitempty"`
	Token     string          `json:"token,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    *ToolResult     `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Sections  []string        `json:"sections,omitempty"`
}
