package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnState tracks whether a transport is attached to a cached session.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnIdle         ConnState = "idle"
	ConnDisconnected ConnState = "disconnected"
)

// Manager defaults.
const (
	DefaultMaxActive           = 1000
	DefaultIdleTimeout         = 5 * time.Minute
	DefaultDisconnectRetention = time.Hour
	DefaultAutoSaveInterval    = time.Minute
	DefaultCleanupInterval     = time.Hour
)

// ManagerConfig tunes the runtime session cache.
type ManagerConfig struct {
	MaxActive           int
	IdleTimeout         time.Duration
	DisconnectRetention time.Duration
	AutoSaveInterval    time.Duration
	CleanupInterval     time.Duration
}

// DefaultManagerConfig returns the standard manager tuning.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxActive:           DefaultMaxActive,
		IdleTimeout:         DefaultIdleTimeout,
		DisconnectRetention: DefaultDisconnectRetention,
		AutoSaveInterval:    DefaultAutoSaveInterval,
		CleanupInterval:     DefaultCleanupInterval,
	}
}

// entry is one cached session plus its connection bookkeeping. The entry
// lock guards short mutations only; it is never held across provider or
// tool calls.
type entry struct {
	mu           sync.Mutex
	sess         *Session
	lastAccessed time.Time
	connState    ConnState
	connectionID string
	dirty        bool
	stream       *EventStream
}

// Manager caches hot sessions in memory on top of a Store, tracks which
// transport connection owns each session, and runs the auto-save and
// cleanup sweeps.
type Manager struct {
	store *Store
	cfg   ManagerConfig

	mu      sync.RWMutex
	entries map[string]*entry
	conns   map[string]string // connection id -> session id

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wraps store with a runtime cache.
func NewManager(store *Store, cfg ManagerConfig) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DisconnectRetention <= 0 {
		cfg.DisconnectRetention = DefaultDisconnectRetention
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = DefaultAutoSaveInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &Manager{
		store:   store,
		cfg:     cfg,
		entries: make(map[string]*entry),
		conns:   make(map[string]string),
		stop:    make(chan struct{}),
	}
}

// Store exposes the backing store for read paths that bypass the cache.
func (m *Manager) Store() *Store { return m.store }

// Start launches the auto-save and cleanup loops. They stop when ctx is
// cancelled or Shutdown is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.autoSaveLoop(ctx)
	go m.cleanupLoop(ctx)
}

// Shutdown stops the background loops and flushes every dirty session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.SaveAll()
}

// Create allocates a new session and caches it.
func (m *Manager) Create(p CreateParams) (*Session, error) {
	m.mu.RLock()
	active := len(m.entries)
	m.mu.RUnlock()
	if active >= m.cfg.MaxActive {
		if !m.evictOne() {
			return nil, &QuotaError{Used: active, Limit: m.cfg.MaxActive}
		}
	}

	sess, err := m.store.Create(p)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[sess.ID] = &entry{
		sess:         sess,
		lastAccessed: time.Now(),
		connState:    ConnDisconnected,
	}
	m.mu.Unlock()

	return snapshot(sess), nil
}

// Get returns a snapshot of the session, loading it into the cache on a
// miss. When the session has an owner, userID must match.
func (m *Manager) Get(id, userID string) (*Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkOwner(e.sess, userID); err != nil {
		return nil, err
	}
	e.lastAccessed = time.Now()
	return snapshot(e.sess), nil
}

// GetOrCreate returns the session with the given id, creating it when it
// does not exist. The second result reports whether it was created. An
// empty id always creates a fresh session.
func (m *Manager) GetOrCreate(id, userID string) (*Session, bool, error) {
	if id == "" {
		sess, err := m.Create(CreateParams{UserID: userID})
		return sess, true, err
	}

	sess, err := m.Get(id, userID)
	switch {
	case err == nil:
		return sess, false, nil
	case isNotFound(err):
		sess, err = m.Create(CreateParams{ID: id, UserID: userID})
		return sess, true, err
	default:
		return nil, false, err
	}
}

// History returns a copy of the session's messages.
func (m *Manager) History(id string) ([]Message, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAccessed = time.Now()
	msgs := make([]Message, len(e.sess.Messages))
	copy(msgs, e.sess.Messages)
	return msgs, nil
}

// Connect attaches a transport connection to the session and returns the
// live event stream the transport should drain. A second Connect replaces
// the previous attachment and closes its stream.
func (m *Manager) Connect(id, connectionID string) (*EventStream, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.sess.State == StateClosed {
		e.mu.Unlock()
		return nil, fmt.Errorf("connect %s: %w", id, ErrClosed)
	}
	if e.stream != nil {
		e.stream.Close()
	}
	oldConn := e.connectionID
	from := e.sess.State
	stream := NewEventStream()
	e.stream = stream
	e.connState = ConnConnected
	e.connectionID = connectionID
	e.lastAccessed = time.Now()
	e.sess.State = StateActive
	e.sess.Touch()
	e.dirty = true
	e.mu.Unlock()

	m.mu.Lock()
	if oldConn != "" {
		delete(m.conns, oldConn)
	}
	m.conns[connectionID] = id
	m.mu.Unlock()

	m.logStateChange(id, from, StateActive)
	m.save(id, e)
	return stream, nil
}

// Disconnect detaches the connection from its session, if any. It is
// idempotent: unknown connection ids are ignored.
func (m *Manager) Disconnect(connectionID string) {
	m.mu.Lock()
	id, ok := m.conns[connectionID]
	if ok {
		delete(m.conns, connectionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.connectionID != connectionID {
		// A newer connection took over; nothing to tear down.
		e.mu.Unlock()
		return
	}
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}
	from := e.sess.State
	e.connState = ConnDisconnected
	e.connectionID = ""
	e.lastAccessed = time.Now()
	e.sess.State = StateDisconnected
	e.sess.Touch()
	e.dirty = true
	e.mu.Unlock()

	m.logStateChange(id, from, StateDisconnected)
	m.save(id, e)
}

// Reconnect re-attaches a new connection to a session that went idle or
// lost its transport. It fails once the disconnect retention window has
// elapsed since the session's last activity.
func (m *Manager) Reconnect(id, connectionID string) (*EventStream, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	st := e.connState
	last := e.sess.LastActivityAt
	if e.lastAccessed.After(last) {
		last = e.lastAccessed
	}
	e.mu.Unlock()

	if st == ConnConnected {
		return nil, fmt.Errorf("reconnect %s: already connected", id)
	}
	if time.Since(last) > m.cfg.DisconnectRetention {
		return nil, fmt.Errorf("reconnect %s: %w", id, ErrRetentionLapsed)
	}
	return m.Connect(id, connectionID)
}

// AppendMessage adds msg to the cached session. The write is flushed by
// the auto-save loop or an explicit Save.
func (m *Manager) AppendMessage(id string, msg Message) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.State == StateClosed {
		return fmt.Errorf("append %s: %w", id, ErrClosed)
	}
	e.sess.AddMessage(msg)
	if e.connState == ConnIdle {
		e.connState = ConnConnected
		e.sess.State = StateActive
	}
	e.lastAccessed = time.Now()
	e.dirty = true
	return nil
}

// AppendEvent writes evt to the session's durable log and forwards it to
// the attached transport, when one is connected.
func (m *Manager) AppendEvent(id string, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := m.store.AppendEvent(id, evt); err != nil {
		return err
	}

	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e != nil {
		e.mu.Lock()
		if e.stream != nil {
			e.stream.Push(evt)
		}
		e.mu.Unlock()
	}
	return nil
}

// SetModel records the model override on the cached session.
func (m *Manager) SetModel(id, model string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if model != "" && model != e.sess.Model {
		e.sess.Model = model
		e.dirty = true
	}
	return nil
}

// AddUsage accumulates token counts onto the session metadata.
func (m *Manager) AddUsage(id string, input, output int) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.InputTokens += int64(input)
	e.sess.OutputTokens += int64(output)
	e.dirty = true
	return nil
}

// Close transitions the session to closed, detaches any connection, and
// evicts it from the cache. The document stays on disk.
func (m *Manager) Close(id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}
	conn := e.connectionID
	from := e.sess.State
	e.connectionID = ""
	e.connState = ConnDisconnected
	e.sess.State = StateClosed
	e.sess.Touch()
	e.dirty = true
	e.mu.Unlock()

	m.logStateChange(id, from, StateClosed)
	m.save(id, e)

	m.mu.Lock()
	if conn != "" {
		delete(m.conns, conn)
	}
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// Delete closes the session and removes it from disk.
func (m *Manager) Delete(id string) error {
	if err := m.Close(id); err != nil && !isNotFound(err) {
		return err
	}
	return m.store.Delete(id)
}

// Save flushes the cached session to disk if it has unsaved changes.
func (m *Manager) Save(id string) error {
	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e == nil {
		return nil
	}
	return m.save(id, e)
}

// SaveAll flushes every dirty cached session.
func (m *Manager) SaveAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	entries := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for i, e := range entries {
		if err := m.save(ids[i], e); err != nil {
			slog.Error("session save failed", "session", ids[i], "error", err)
		}
	}
}

// ActiveCount reports how many sessions are cached.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ConnectionState reports the connection state for a cached session.
func (m *Manager) ConnectionState(id string) (ConnState, bool) {
	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState, true
}

// entry returns the cached entry for id, loading the session from disk on
// a miss.
func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	e := m.entries[id]
	n := len(m.entries)
	m.mu.RUnlock()
	if e != nil {
		return e, nil
	}

	if n >= m.cfg.MaxActive && !m.evictOne() {
		return nil, &QuotaError{Used: n, Limit: m.cfg.MaxActive}
	}

	sess, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.entries[id]; e != nil {
		return e, nil
	}
	// Carry the persisted activity time so idle and retention windows
	// survive a cache miss or restart.
	last := sess.LastActivityAt
	if last.IsZero() {
		last = time.Now()
	}
	e = &entry{
		sess:         sess,
		lastAccessed: last,
		connState:    ConnDisconnected,
	}
	m.entries[id] = e
	return e, nil
}

// evictOne flushes and drops the least recently accessed entry that has
// no live connection. It reports whether an entry was evicted.
func (m *Manager) evictOne() bool {
	m.mu.RLock()
	var victimID string
	var victim *entry
	var oldest time.Time
	for id, e := range m.entries {
		e.mu.Lock()
		ok := e.connState != ConnConnected
		last := e.lastAccessed
		e.mu.Unlock()
		if !ok {
			continue
		}
		if victim == nil || last.Before(oldest) {
			victimID, victim, oldest = id, e, last
		}
	}
	m.mu.RUnlock()

	if victim == nil {
		return false
	}
	if err := m.save(victimID, victim); err != nil {
		slog.Warn("evict: save failed", "session", victimID, "error", err)
	}
	m.mu.Lock()
	delete(m.entries, victimID)
	m.mu.Unlock()
	slog.Debug("session evicted from cache", "session", victimID)
	return true
}

// save flushes one entry if dirty.
func (m *Manager) save(id string, e *entry) error {
	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return nil
	}
	snap := snapshot(e.sess)
	e.dirty = false
	e.mu.Unlock()

	if err := m.store.Save(snap); err != nil {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) logStateChange(id string, from, to State) {
	if from == to {
		return
	}
	if err := m.store.AppendEvent(id, StateChange(from, to)); err != nil {
		slog.Warn("log state change", "session", id, "error", err)
	}
}

func (m *Manager) autoSaveLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.AutoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SaveAll()
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
	}
}

// sweep marks quiet connections idle, evicts entries past the disconnect
// retention window, and reaps expired sessions from the store.
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	entries := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var evict []string
	for i, e := range entries {
		id := ids[i]
		e.mu.Lock()
		switch e.connState {
		case ConnConnected:
			if now.Sub(e.lastAccessed) > m.cfg.IdleTimeout {
				from := e.sess.State
				e.connState = ConnIdle
				e.sess.State = StateIdle
				e.dirty = true
				e.mu.Unlock()
				m.logStateChange(id, from, StateIdle)
				m.save(id, e)
				continue
			}
		case ConnIdle, ConnDisconnected:
			if now.Sub(e.lastAccessed) > m.cfg.DisconnectRetention {
				evict = append(evict, id)
			}
		}
		e.mu.Unlock()
	}

	for _, id := range evict {
		m.mu.RLock()
		e := m.entries[id]
		m.mu.RUnlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.stream != nil {
			e.stream.Close()
			e.stream = nil
		}
		conn := e.connectionID
		e.connectionID = ""
		e.mu.Unlock()
		if err := m.save(id, e); err != nil {
			slog.Warn("sweep: save failed", "session", id, "error", err)
		}
		m.mu.Lock()
		if conn != "" {
			delete(m.conns, conn)
		}
		delete(m.entries, id)
		m.mu.Unlock()
		slog.Debug("stale session evicted", "session", id)
	}

	if n := m.store.CleanupExpired(); n > 0 {
		slog.Info("expired sessions removed", "count", n)
	}
}

// snapshot deep-copies sess so callers outside the lock cannot race the
// cached document.
func snapshot(s *Session) *Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	if s.ExpiresAt != nil {
		exp := *s.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}

func checkOwner(s *Session, userID string) error {
	if s.UserID != "" && s.UserID != userID {
		return fmt.Errorf("session %s: %w", s.ID, ErrAccessDenied)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
