package session

import (
	"encoding/json"
	"time"
)

// EventType tags an Event in a session's JSONL log.
type EventType string

// Logged event types.
const (
	EventToken        EventType = "token"
	EventToolStart    EventType = "tool_start"
	EventToolComplete EventType = "tool_complete"
	EventToolError    EventType = "tool_error"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
	EventStateChange  EventType = "state_change"
)

// Event is one line of a session's append-only event log. It doubles as
// the payload pushed to a live event stream while a client is attached.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Content   string          `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    string          `json:"result,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
	From      State           `json:"from,omitempty"`
	To        State           `json:"to,omitempty"`
	Usage     *UsageTotals    `json:"usage,omitempty"`
}

// UsageTotals carries token counts on a complete event.
type UsageTotals struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StateChange builds a state transition log entry.
func StateChange(from, to State) Event {
	return Event{Type: EventStateChange, Timestamp: time.Now().UTC(), From: from, To: to}
}
