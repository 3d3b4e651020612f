// Package session holds conversation state: the on-disk store (one JSON
// document plus one JSONL event log per session) and the runtime manager
// that caches hot sessions and tracks their connections.
package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated      State = "created"
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
	StateExpired      State = "expired"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one piece of a multi-part message body.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64 image payload
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Message is one entry in a session's conversation history. Content holds
// plain text; Parts is used instead when the body mixes text and images.
type Message struct {
	ID         string            `json:"id"`
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	Parts      []ContentPart     `json:"parts,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Text returns the message body as plain text, joining text parts when
// the message is multi-part.
func (m *Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewToolMessage builds a tool-result message answering callID.
func NewToolMessage(callID, content string) Message {
	m := NewMessage(RoleTool, content)
	m.ToolCallID = callID
	return m
}

// Metadata is the queryable summary of a session, kept in the in-memory
// index and embedded in the session document.
type Metadata struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id,omitempty"`
	Title          string     `json:"title,omitempty"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	MessageCount   int        `json:"message_count"`
	InputTokens    int64      `json:"input_tokens,omitempty"`
	OutputTokens   int64      `json:"output_tokens,omitempty"`
}

// Expired reports whether the session's TTL has passed at now.
func (m *Metadata) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Session is the full persisted session document.
type Session struct {
	Metadata
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
}

// New builds an empty session owned by userID. A zero ttl means the
// session never expires.
func New(id, userID string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	s := &Session{
		Metadata: Metadata{
			ID:             id,
			UserID:         userID,
			State:          StateCreated,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastActivityAt: now,
		},
		Messages: []Message{},
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		s.ExpiresAt = &exp
	}
	return s
}

// AddMessage appends msg and refreshes the activity timestamps.
func (s *Session) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.MessageCount = len(s.Messages)
	now := time.Now().UTC()
	s.UpdatedAt = now
	s.LastActivityAt = now
}

// Touch refreshes the activity timestamps without changing content.
func (s *Session) Touch() {
	now := time.Now().UTC()
	s.UpdatedAt = now
	s.LastActivityAt = now
}

// SortField selects the ordering key for session listings.
type SortField string

const (
	SortCreatedAt      SortField = "created_at"
	SortUpdatedAt      SortField = "updated_at"
	SortLastActivityAt SortField = "last_activity_at"
	SortMessageCount   SortField = "message_count"
)

// Filter narrows and orders a session listing. Zero values mean "no
// constraint"; Limit 0 means no page cap.
type Filter struct {
	UserID     string
	States     []State
	SortBy     SortField
	Descending bool
	Offset     int
	Limit      int
}

// ListResult is one page of a session listing.
type ListResult struct {
	Sessions []Metadata `json:"sessions"`
	Total    int        `json:"total"`
}
