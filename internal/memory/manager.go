package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Manager reads and writes per-session memory documents under root.
// Writes are serialized; documents are small enough to rewrite whole.
type Manager struct {
	root string
	mu   sync.Mutex
}

func NewManager(root string) *Manager {
	return &Manager{root: root}
}

func (m *Manager) Root() string {
	return m.root
}

// Init creates the memory root.
func (m *Manager) Init() error {
	return os.MkdirAll(m.root, 0o755)
}

// PathFor returns the document path for a session.
func (m *Manager) PathFor(sessionID string) string {
	return filepath.Join(m.root, sessionID+".json")
}

// Get loads a session's memory document. A missing file yields an
// empty document, not an error.
func (m *Manager) Get(sessionID string) (*SessionMemory, error) {
	data, err := os.ReadFile(m.PathFor(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return &SessionMemory{SessionID: sessionID, UpdatedAt: time.Now().UTC()}, nil
		}
		return nil, fmt.Errorf("read memory: %w", err)
	}
	var doc SessionMemory
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse memory %s: %w", sessionID, err)
	}
	return &doc, nil
}

// Save writes a session's memory document.
func (m *Manager) Save(doc *SessionMemory) error {
	if err := m.Init(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	if err := os.WriteFile(m.PathFor(doc.SessionID), data, 0o644); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

// Append adds one memory to a session's document and saves it.
func (m *Manager) Append(sessionID string, mem Memory) (*SessionMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	mem.SessionID = sessionID
	doc.Memories = append(doc.Memories, mem)
	doc.UpdatedAt = time.Now().UTC()
	if err := m.Save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// List returns the memories of every session, ordered by creation time.
func (m *Manager) List() ([]Memory, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memory root: %w", err)
	}

	var all []Memory
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		doc, err := m.Get(sessionID)
		if err != nil {
			return nil, err
		}
		all = append(all, doc.Memories...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

// Search returns memories whose content or tags contain query,
// case-insensitive, across all sessions.
func (m *Manager) Search(query string) ([]Memory, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)

	var hits []Memory
	for _, mem := range all {
		if strings.Contains(strings.ToLower(mem.Content), q) {
			hits = append(hits, mem)
			continue
		}
		for _, tag := range mem.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				hits = append(hits, mem)
				break
			}
		}
	}
	return hits, nil
}

// Delete removes one memory from a session's document.
func (m *Manager) Delete(sessionID, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	kept := doc.Memories[:0]
	found := false
	for _, mem := range doc.Memories {
		if mem.ID == memoryID {
			found = true
			continue
		}
		kept = append(kept, mem)
	}
	if !found {
		return fmt.Errorf("memory %s not found in session %s", memoryID, sessionID)
	}
	doc.Memories = kept
	doc.UpdatedAt = time.Now().UTC()
	return m.Save(doc)
}

// PromptSection renders memories as a system prompt addendum. At most
// 50 entries are included.
func PromptSection(memories []Memory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Things to remember from earlier conversations:\n")
	for i, mem := range memories {
		if i == 50 {
			break
		}
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(mem.Content))
		b.WriteByte('\n')
	}
	return b.String()
}
