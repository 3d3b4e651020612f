package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists sessions on disk. Each session is one JSON document under
// sessions/ plus an append-only JSONL event log under events/. A small
// in-memory index over the metadata serves listings without touching disk;
// it is rebuilt from the documents at startup.
type Store struct {
	root        string
	sessionsDir string
	eventsDir   string
	maxSessions int
	defaultTTL  time.Duration

	mu    sync.RWMutex
	index map[string]Metadata
}

// StoreStats summarizes the store's contents.
type StoreStats struct {
	Total         int            `json:"total"`
	ByState       map[State]int  `json:"by_state"`
	TotalMessages int            `json:"total_messages"`
}

// NewStore opens (and if needed creates) a session store rooted at dir.
// maxSessions caps live sessions; 0 means unlimited. defaultTTL applies to
// sessions created without an explicit TTL; 0 means no expiry.
func NewStore(dir string, maxSessions int, defaultTTL time.Duration) (*Store, error) {
	s := &Store{
		root:        dir,
		sessionsDir: filepath.Join(dir, "sessions"),
		eventsDir:   filepath.Join(dir, "events"),
		maxSessions: maxSessions,
		defaultTTL:  defaultTTL,
		index:       make(map[string]Metadata),
	}
	for _, d := range []string{s.sessionsDir, s.eventsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	s.RebuildIndex()
	return s, nil
}

// CreateParams controls session creation. All fields are optional: a
// missing ID is minted, a zero TTL falls back to the store default.
type CreateParams struct {
	ID     string
	UserID string
	Title  string
	Model  string
	TTL    time.Duration
}

// Create allocates and persists a new session.
func (s *Store) Create(p CreateParams) (*Session, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.index[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("create %s: %w", id, ErrAlreadyExists)
	}
	if s.maxSessions > 0 {
		live := 0
		for _, m := range s.index {
			if m.State != StateClosed && m.State != StateExpired {
				live++
			}
		}
		if live >= s.maxSessions {
			s.mu.Unlock()
			return nil, &QuotaError{Used: live, Limit: s.maxSessions}
		}
	}
	// Reserve the id before releasing the lock so concurrent Creates of
	// the same id cannot both reach the write.
	s.index[id] = Metadata{ID: id, State: StateCreated}
	s.mu.Unlock()

	ttl := p.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	sess := New(id, p.UserID, ttl)
	sess.Title = p.Title
	sess.Model = p.Model

	if err := s.Save(sess); err != nil {
		s.mu.Lock()
		delete(s.index, id)
		s.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// Load reads a session document from disk.
func (s *Store) Load(id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("load %s: parse: %w", id, err)
	}

	if sess.Expired(time.Now()) {
		s.mu.Lock()
		if m, ok := s.index[id]; ok {
			m.State = StateExpired
			s.index[id] = m
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("load %s: %w", id, ErrExpired)
	}
	return &sess, nil
}

// Save writes the session document atomically (temp file then rename) and
// refreshes the index entry.
func (s *Store) Save(sess *Session) error {
	if err := validateID(sess.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.sessionsDir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.sessionPath(sess.ID)); err != nil {
		return err
	}
	cleanup = false

	s.mu.Lock()
	s.index[sess.ID] = sess.Metadata
	s.mu.Unlock()
	return nil
}

// AppendMessage loads the session, appends msg, and saves it back.
func (s *Store) AppendMessage(id string, msg Message) error {
	sess, err := s.Load(id)
	if err != nil {
		return err
	}
	sess.AddMessage(msg)
	return s.Save(sess)
}

// AppendEvent appends one line to the session's event log. The log is
// created on first append; the session document is not touched.
func (s *Store) AppendEvent(id string, evt Event) error {
	if err := validateID(id); err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.eventPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// LoadEvents reads the session's event log. Lines that fail to parse are
// skipped with a warning so one torn write cannot poison the history.
func (s *Store) LoadEvents(id string) ([]Event, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(s.eventPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			slog.Warn("skipping corrupt event line", "session", id, "line", lineNo, "error", err)
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}

// Delete removes the session document, its event log, and its index entry.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	_, known := s.index[id]
	delete(s.index, id)
	s.mu.Unlock()

	err := os.Remove(s.sessionPath(id))
	if os.IsNotExist(err) {
		if !known {
			return fmt.Errorf("delete %s: %w", id, ErrNotFound)
		}
		err = nil
	}
	if rmErr := os.Remove(s.eventPath(id)); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// UpdateTitle sets the session title.
func (s *Store) UpdateTitle(id, title string) error {
	sess, err := s.Load(id)
	if err != nil {
		return err
	}
	sess.Title = title
	sess.UpdatedAt = time.Now().UTC()
	return s.Save(sess)
}

// List returns one page of session metadata matching the filter. Total
// counts all matches before pagination.
func (s *Store) List(f Filter) ListResult {
	s.mu.RLock()
	matched := make([]Metadata, 0, len(s.index))
	for _, m := range s.index {
		if f.UserID != "" && m.UserID != f.UserID {
			continue
		}
		if len(f.States) > 0 && !containsState(f.States, m.State) {
			continue
		}
		matched = append(matched, m)
	}
	s.mu.RUnlock()

	sortField := f.SortBy
	if sortField == "" {
		sortField = SortCreatedAt
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if f.Descending {
			a, b = b, a
		}
		switch sortField {
		case SortUpdatedAt:
			return a.UpdatedAt.Before(b.UpdatedAt)
		case SortLastActivityAt:
			return a.LastActivityAt.Before(b.LastActivityAt)
		case SortMessageCount:
			if a.MessageCount != b.MessageCount {
				return a.MessageCount < b.MessageCount
			}
			return a.CreatedAt.Before(b.CreatedAt)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return ListResult{Sessions: matched[start:end], Total: total}
}

// CleanupExpired deletes sessions past their TTL and returns how many.
func (s *Store) CleanupExpired() int {
	now := time.Now()
	s.mu.RLock()
	var expired []string
	for id, m := range s.index {
		if m.Expired(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if err := s.Delete(id); err != nil {
			slog.Warn("cleanup: delete expired session", "session", id, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// CleanupInactive deletes sessions whose last activity is older than
// maxAge. Active sessions are left alone regardless of age.
func (s *Store) CleanupInactive(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.RLock()
	var stale []string
	for id, m := range s.index {
		if m.State == StateActive {
			continue
		}
		if m.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if err := s.Delete(id); err != nil {
			slog.Warn("cleanup: delete inactive session", "session", id, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// CleanupIndex drops index entries whose document no longer exists on
// disk and returns how many were dropped.
func (s *Store) CleanupIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id := range s.index {
		if _, err := os.Stat(s.sessionPath(id)); os.IsNotExist(err) {
			delete(s.index, id)
			dropped++
		}
	}
	return dropped
}

// RebuildIndex rescans the sessions directory and rebuilds the metadata
// index from scratch. Unreadable documents are skipped with a warning.
func (s *Store) RebuildIndex() {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		slog.Warn("rebuild index: read dir", "dir", s.sessionsDir, "error", err)
		return
	}

	index := make(map[string]Metadata, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.sessionsDir, e.Name()))
		if err != nil {
			slog.Warn("rebuild index: read session", "file", e.Name(), "error", err)
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			slog.Warn("rebuild index: parse session", "file", e.Name(), "error", err)
			continue
		}
		if sess.ID == "" {
			slog.Warn("rebuild index: session without id", "file", e.Name())
			continue
		}
		index[sess.ID] = sess.Metadata
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	slog.Debug("session index rebuilt", "sessions", len(index))
}

// Stats summarizes the indexed sessions.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := StoreStats{ByState: make(map[State]int)}
	for _, m := range s.index {
		st.Total++
		st.ByState[m.State]++
		st.TotalMessages += m.MessageCount
	}
	return st
}

// Meta returns the indexed metadata for id without loading the document.
func (s *Store) Meta(id string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	return m, ok
}

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.sessionsDir, id+".json")
}

func (s *Store) eventPath(id string) string {
	return filepath.Join(s.eventsDir, id+".jsonl")
}

// validateID rejects ids that could escape the store directories.
func validateID(id string) error {
	if id == "" || !filepath.IsLocal(id) || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func containsState(states []State, st State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}
