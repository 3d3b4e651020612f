// Package protocol defines the wire frames exchanged between the bamboo
// gateway and its WebSocket clients. Frames are JSON objects tagged by a
// "type" field; unknown fields are ignored so older clients keep working
// against newer servers.
package protocol

// ProtocolVersion is bumped when a frame changes shape incompatibly.
const ProtocolVersion = 1

// Client → server frame types.
const (
	TypeConnect = "connect"
	TypeChat    = "chat"
	TypeCommand = "command"
	TypePing    = "ping"
)

// Server → client frame types.
const (
	TypeConnected         = "connected"
	TypeAgentToken        = "agent_token"
	TypeAgentToolStart    = "agent_tool_start"
	TypeAgentToolComplete = "agent_tool_complete"
	TypeAgentComplete     = "agent_complete"
	TypePong              = "pong"
	TypeError             = "error"
	TypeConfigUpdated     = "config_updated"
)

// Error codes carried by error frames.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeAgentError       = "AGENT_ERROR"
	CodeToolError        = "TOOL_ERROR"
)

// ClientFrame is a message sent from a client to the gateway. Type selects
// the operation; the remaining fields are populated per type:
//
//	connect: SessionID (optional, omit to mint), Auth (required when the
//	         gateway has a token configured)
//	chat:    SessionID, Content
//	command: Name, Args
//	ping:    Timestamp (client send time, informational)
type ClientFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	Auth      string   `json:"auth,omitempty"`
	Content   string   `json:"content,omitempty"`
	Name      string   `json:"name,omitempty"`
	Args      []string `json:"args,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// EventFrame is a message pushed from the gateway to a client.
type EventFrame struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Token     string      `json:"token,omitempty"`
	Tool      string      `json:"tool,omitempty"`
	Result    string      `json:"result,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	Sections  []string    `json:"sections,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// TokenUsage reports token counts for one completed agent turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Connected acknowledges a connect frame with the bound session id.
func Connected(sessionID string) EventFrame {
	return EventFrame{Type: TypeConnected, SessionID: sessionID}
}

// AgentToken carries one streamed content fragment.
func AgentToken(sessionID, token string) EventFrame {
	return EventFrame{Type: TypeAgentToken, SessionID: sessionID, Token: token}
}

// AgentToolStart announces that the agent is about to run a tool.
func AgentToolStart(sessionID, tool string) EventFrame {
	return EventFrame{Type: TypeAgentToolStart, SessionID: sessionID, Tool: tool}
}

// AgentToolComplete carries a finished tool call and its result.
func AgentToolComplete(sessionID, tool, result string) EventFrame {
	return EventFrame{Type: TypeAgentToolComplete, SessionID: sessionID, Tool: tool, Result: result}
}

// AgentComplete marks the end of an agent turn.
func AgentComplete(sessionID string, usage *TokenUsage) EventFrame {
	return EventFrame{Type: TypeAgentComplete, SessionID: sessionID, Usage: usage}
}

// Pong answers a ping or acts as a server keepalive. Timestamp is the
// server clock in Unix milliseconds.
func Pong(timestamp int64) EventFrame {
	return EventFrame{Type: TypePong, Timestamp: timestamp}
}

// ErrorFrame reports a failure to the client without closing the stream.
func ErrorFrame(code, message string) EventFrame {
	return EventFrame{Type: TypeError, Code: code, Message: message}
}

// ConfigUpdated notifies clients that the named config sections were
// reloaded on the server.
func ConfigUpdated(sections []string) EventFrame {
	return EventFrame{Type: TypeConfigUpdated, Sections: sections}
}
