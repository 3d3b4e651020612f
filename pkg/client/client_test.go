package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/bamboo/internal/bus"
	"github.com/nextlevelbuilder/bamboo/internal/config"
	"github.com/nextlevelbuilder/bamboo/internal/gateway"
	"github.com/nextlevelbuilder/bamboo/internal/session"
	"github.com/nextlevelbuilder/bamboo/pkg/protocol"
)

func startGateway(t *testing.T, cfg config.GatewayConfig) (*bus.Bus, *session.Manager, string) {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), 100, time.Hour)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	mgr := session.NewManager(store, session.ManagerConfig{})
	b := bus.New()
	t.Cleanup(b.Close)

	srv := gateway.NewServer(cfg, b, mgr, nil)

	// Cleanups run last-in-first-out: this one runs after cancel() below has
	// started the shutdown and before the TempDir cleanup deletes the store
	// directories. Disconnect bookkeeping ends with a save that flips the
	// session out of the active state in the store index, so waiting for
	// that keeps the handlers' final writes from racing the removal.
	t.Cleanup(func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			active := store.List(session.Filter{
				States: []session.State{session.StateActive},
			}).Total
			if srv.ClientCount() == 0 && active == 0 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := gateway.StartTestServer(srv, ctx)
	go start()
	return b, mgr, "ws://" + addr + "/ws"
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_Dial(t *testing.T) {
	_, mgr, url := startGateway(t, config.GatewayConfig{})
	ctx := testCtx(t)

	c, err := Dial(ctx, Options{URL: url})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.SessionID() == "" {
		t.Fatal("SessionID is empty after handshake")
	}
	if _, err := mgr.Get(c.SessionID(), ""); err != nil {
		t.Errorf("Get(%q) = %v, want session", c.SessionID(), err)
	}
}

func TestClient_DialResumesSession(t *testing.T) {
	_, mgr, url := startGateway(t, config.GatewayConfig{})
	ctx := testCtx(t)

	sess, err := mgr.Create(session.CreateParams{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c, err := Dial(ctx, Options{URL: url, SessionID: sess.ID})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.SessionID() != sess.ID {
		t.Errorf("SessionID = %q, want %q", c.SessionID(), sess.ID)
	}
}

func TestClient_DialUnauthorized(t *testing.T) {
	_, _, url := startGateway(t, config.GatewayConfig{AuthToken: "secret"})
	ctx := testCtx(t)

	_, err := Dial(ctx, Options{URL: url, AuthToken: "wrong"})
	if err == nil {
		t.Fatal("Dial succeeded with a bad token")
	}
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("Dial error = %v, want *ServerError", err)
	}
	if se.Code != protocol.CodeUnauthorized {
		t.Errorf("code = %q, want %q", se.Code, protocol.CodeUnauthorized)
	}
}

func TestClient_Ping(t *testing.T) {
	_, _, url := startGateway(t, config.GatewayConfig{})
	ctx := testCtx(t)

	c, err := Dial(ctx, Options{URL: url})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	frame, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame.Type != protocol.TypePong {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, protocol.TypePong)
	}
	if frame.Timestamp <= 0 {
		t.Errorf("pong timestamp = %d, want > 0", frame.Timestamp)
	}
}

func TestClient_RunTurn(t *testing.T) {
	b, mgr, url := startGateway(t, config.GatewayConfig{})
	ctx := testCtx(t)

	// Stand-in for the agent runner: answer the chat request over the
	// session's event log, which the gateway streams back as frames.
	sub := b.Subscribe("test-runner")
	go func() {
		for evt := range sub.Events() {
			if evt.Type != bus.EventChatRequest {
				continue
			}
			mgr.AppendEvent(evt.SessionID, session.Event{Type: session.EventToken, Content: "Hel"})
			mgr.AppendEvent(evt.SessionID, session.Event{Type: session.EventToolError, Tool: "echo", Error: "exit status 1"})
			mgr.AppendEvent(evt.SessionID, session.Event{Type: session.EventToken, Content: "lo"})
			mgr.AppendEvent(evt.SessionID, session.Event{
				Type:  session.EventComplete,
				Usage: &session.UsageTotals{InputTokens: 3, OutputTokens: 5},
			})
			return
		}
	}()

	c, err := Dial(ctx, Options{URL: url})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var frames []protocol.EventFrame
	usage, err := c.RunTurn(ctx, "hi", func(f protocol.EventFrame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if usage == nil || usage.InputTokens != 3 || usage.OutputTokens != 5 {
		t.Errorf("usage = %+v, want 3/5", usage)
	}

	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3: %+v", len(frames), frames)
	}
	if frames[0].Type != protocol.TypeAgentToken || frames[0].Token != "Hel" {
		t.Errorf("frames[0] = %+v, want token Hel", frames[0])
	}
	if frames[1].Type != protocol.TypeError || frames[1].Code != protocol.CodeToolError {
		t.Errorf("frames[1] = %+v, want TOOL_ERROR", frames[1])
	}
	if frames[2].Type != protocol.TypeAgentToken || frames[2].Token != "lo" {
		t.Errorf("frames[2] = %+v, want token lo", frames[2])
	}
}

func TestClient_RunTurnAgentError(t *testing.T) {
	b, mgr, url := startGateway(t, config.GatewayConfig{})
	ctx := testCtx(t)

	sub := b.Subscribe("test-runner")
	go func() {
		for evt := range sub.Events() {
			if evt.Type != bus.EventChatRequest {
				continue
			}
			mgr.AppendEvent(evt.SessionID, session.Event{Type: session.EventError, Error: "cancelled"})
			return
		}
	}()

	c, err := Dial(ctx, Options{URL: url})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.RunTurn(ctx, "hi", nil)
	if err == nil {
		t.Fatal("RunTurn succeeded, want agent error")
	}
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("RunTurn error = %v, want *ServerError", err)
	}
	if se.Code != protocol.CodeAgentError {
		t.Errorf("code = %q, want %q", se.Code, protocol.CodeAgentError)
	}
	if se.Message != "cancelled" {
		t.Errorf("message = %q, want %q", se.Message, "cancelled")
	}
}
