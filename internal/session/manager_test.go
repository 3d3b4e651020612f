package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	store, err := NewStore(t.TempDir(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(store, cfg)
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	sess, err := m.Create(CreateParams{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Get(sess.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != sess.ID {
		t.Errorf("ID = %q, want %q", got.ID, sess.ID)
	}
}

func TestManager_OwnershipDenied(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	sess, _ := m.Create(CreateParams{UserID: "u1"})

	_, err := m.Get(sess.ID, "intruder")
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("err = %v, want ErrAccessDenied", err)
	}
	_, err = m.Get(sess.ID, "")
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("anonymous err = %v, want ErrAccessDenied", err)
	}

	// Unowned sessions are open to anyone.
	open, _ := m.Create(CreateParams{})
	if _, err := m.Get(open.ID, "whoever"); err != nil {
		t.Errorf("unowned session: %v", err)
	}
}

func TestManager_GetOrCreate(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	sess, created, err := m.GetOrCreate("", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("empty id should create")
	}

	same, created, err := m.GetOrCreate(sess.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("existing id should not create")
	}
	if same.ID != sess.ID {
		t.Errorf("ID = %q, want %q", same.ID, sess.ID)
	}

	_, created, err = m.GetOrCreate("brand-new", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("unknown id should create")
	}
}

func TestManager_ConnectLifecycle(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	sess, _ := m.Create(CreateParams{})

	stream, err := m.Connect(sess.ID, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := m.ConnectionState(sess.ID); st != ConnConnected {
		t.Errorf("state = %q, want connected", st)
	}

	got, _ := m.Get(sess.ID, "")
	if got.State != StateActive {
		t.Errorf("session state = %q, want active", got.State)
	}

	// Live events reach the stream.
	m.AppendEvent(sess.ID, Event{Type: EventToken, Content: "hi"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, ok := stream.Next(ctx)
	if !ok || evt.Content != "hi" {
		t.Fatalf("Next = %+v, %v", evt, ok)
	}

	m.Disconnect("conn-1")
	if st, _ := m.ConnectionState(sess.ID); st != ConnDisconnected {
		t.Errorf("state = %q, want disconnected", st)
	}
	if _, ok := stream.Next(ctx); ok {
		t.Error("stream should be closed after disconnect")
	}

	// Disconnect is idempotent.
	m.Disconnect("conn-1")
	m.Disconnect("never-seen")
}

func TestManager_ConnectReplacesPrevious(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	sess, _ := m.Create(CreateParams{})

	old, _ := m.Connect(sess.ID, "conn-1")
	neu, err := m.Connect(sess.ID, "conn-2")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := old.Next(ctx); ok {
		t.Error("old stream should be closed")
	}

	m.AppendEvent(sess.ID, Event{Type: EventToken, Content: "x"})
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if evt, ok := neu.Next(ctx2); !ok || evt.Content != "x" {
		t.Errorf("new stream Next = %+v, %v", evt, ok)
	}

	// The stale connection id no longer detaches the session.
	m.Disconnect("conn-1")
	if st, _ := m.ConnectionState(sess.ID); st != ConnConnected {
		t.Errorf("state = %q, want connected after stale disconnect", st)
	}
}

func TestManager_Reconnect(t *testing.T) {
	m := newTestManager(t, ManagerConfig{DisconnectRetention: time.Hour})
	sess, _ := m.Create(CreateParams{})

	m.Connect(sess.ID, "conn-1")
	m.Disconnect("conn-1")

	stream, err := m.Reconnect(sess.ID, "conn-2")
	if err != nil {
		t.Fatal(err)
	}
	if stream == nil {
		t.Fatal("expected a stream")
	}
	if st, _ := m.ConnectionState(sess.ID); st != ConnConnected {
		t.Errorf("state = %q, want connected", st)
	}
}

func TestManager_ReconnectWhileConnected(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	sess, _ := m.Create(CreateParams{})
	m.Connect(sess.ID, "conn-1")

	if _, err := m.Reconnect(sess.ID, "conn-2"); err == nil {
		t.Error("reconnect on a connected session should fail")
	}
}

func TestManager_ReconnectRetentionLapsed(t *testing.T) {
	m := newTestManager(t, ManagerConfig{DisconnectRetention: 10 * time.Millisecond})
	sess, _ := m.Create(CreateParams{})
	m.Connect(sess.ID, "conn-1")
	m.Disconnect("conn-1")

	time.Sleep(30 * time.Millisecond)
	_, err := m.Reconnect(sess.ID, "conn-2")
	if !errors.Is(err, ErrRetentionLapsed) {
		t.Errorf("err = %v, want ErrRetentionLapsed", err)
	}
}

func TestManager_AppendMessageWriteBehind(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	sess, _ := m.Create(CreateParams{})

	if err := m.AppendMessage(sess.ID, NewMessage(RoleUser, "hello")); err != nil {
		t.Fatal(err)
	}

	// Not on disk yet: the write is cached until a save.
	onDisk, err := m.Store().Load(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(onDisk.Messages) != 0 {
		t.Errorf("disk messages = %d, want 0 before save", len(onDisk.Messages))
	}

	if err := m.Save(sess.ID); err != nil {
		t.Fatal(err)
	}
	onDisk, _ = m.Store().Load(sess.ID)
	if len(onDisk.Messages) != 1 {
		t.Errorf("disk messages = %d, want 1 after save", len(onDisk.Messages))
	}
}

func TestManager_CloseEvictsAndPersists(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	sess, _ := m.Create(CreateParams{})
	m.AppendMessage(sess.ID, NewMessage(RoleUser, "hello"))

	if err := m.Close(sess.ID); err != nil {
		t.Fatal(err)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", m.ActiveCount())
	}

	onDisk, err := m.Store().Load(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.State != StateClosed {
		t.Errorf("State = %q, want closed", onDisk.State)
	}
	if len(onDisk.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(onDisk.Messages))
	}

	// Appending to a closed session fails once it is reloaded.
	err = m.AppendMessage(sess.ID, NewMessage(RoleUser, "more"))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestManager_Delete(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	sess, _ := m.Create(CreateParams{})

	if err := m.Delete(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Store().Load(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestManager_QuotaAndEviction(t *testing.T) {
	m := newTestManager(t, ManagerConfig{MaxActive: 2})

	a, _ := m.Create(CreateParams{})
	m.Create(CreateParams{})

	// Third create evicts the least recently used disconnected entry.
	if _, err := m.Create(CreateParams{}); err != nil {
		t.Fatalf("expected eviction to make room: %v", err)
	}
	if m.ActiveCount() != 2 {
		t.Errorf("ActiveCount = %d, want 2", m.ActiveCount())
	}

	// The evicted session survives on disk.
	if _, err := m.Store().Load(a.ID); err != nil {
		t.Errorf("evicted session lost: %v", err)
	}
}

func TestManager_QuotaAllConnected(t *testing.T) {
	m := newTestManager(t, ManagerConfig{MaxActive: 2})

	a, _ := m.Create(CreateParams{})
	b, _ := m.Create(CreateParams{})
	m.Connect(a.ID, "c1")
	m.Connect(b.ID, "c2")

	_, err := m.Create(CreateParams{})
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Errorf("err = %v, want QuotaError when nothing is evictable", err)
	}
}

func TestManager_StateChangeLogged(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	sess, _ := m.Create(CreateParams{})

	m.Connect(sess.ID, "conn-1")
	m.Disconnect("conn-1")

	events, err := m.Store().LoadEvents(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	var changes []Event
	for _, evt := range events {
		if evt.Type == EventStateChange {
			changes = append(changes, evt)
		}
	}
	if len(changes) != 2 {
		t.Fatalf("state changes = %d, want 2", len(changes))
	}
	if changes[0].To != StateActive {
		t.Errorf("first change To = %q, want active", changes[0].To)
	}
	if changes[1].To != StateDisconnected {
		t.Errorf("second change To = %q, want disconnected", changes[1].To)
	}
}

func TestManager_ShutdownFlushes(t *testing.T) {
	m := newTestManager(t, ManagerConfig{AutoSaveInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	sess, _ := m.Create(CreateParams{})
	m.AppendMessage(sess.ID, NewMessage(RoleUser, "unsaved"))

	m.Shutdown()

	onDisk, err := m.Store().Load(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(onDisk.Messages) != 1 {
		t.Errorf("messages = %d, want 1 after shutdown flush", len(onDisk.Messages))
	}
}
