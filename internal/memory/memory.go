// Package memory persists small cross-conversation notes per session.
// Entries live in one JSON document per session under the memory root
// and are surfaced to the model through the memory_save and
// memory_search tools.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Memory is one saved note.
type Memory struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// New creates a memory for a session.
func New(sessionID, content string) Memory {
	return Memory{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// SessionMemory is the on-disk document for one session.
type SessionMemory struct {
	SessionID string    `json:"session_id"`
	Memories  []Memory  `json:"memories"`
	UpdatedAt time.Time `json:"updated_at"`
}
