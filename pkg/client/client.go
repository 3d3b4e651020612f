// Package client is a programmatic client for the bamboo gateway. Dial
// performs the connect handshake over a WebSocket; the caller then sends
// chat and command frames and reads the event frames streaming back, or
// lets RunTurn drive one full agent turn.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/bamboo/pkg/protocol"
)

// ServerError is an error frame received from the gateway.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// Options configures Dial.
type Options struct {
	// URL is the gateway WebSocket endpoint, e.g. ws://127.0.0.1:18790/ws.
	URL string
	// AuthToken authenticates the connect frame when the gateway has a
	// token configured.
	AuthToken string
	// SessionID resumes an existing session; empty mints a new one.
	SessionID string
}

// Client is one gateway connection bound to a session.
type Client struct {
	conn      *websocket.Conn
	sessionID string

	mu sync.Mutex // serializes frame writes
}

// Dial connects to the gateway and runs the connect handshake. It returns
// once the gateway has bound a session; a rejected handshake surfaces as a
// *ServerError.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c := &Client{conn: conn}
	err = c.send(ctx, protocol.ClientFrame{
		Type:      protocol.TypeConnect,
		SessionID: opts.SessionID,
		Auth:      opts.AuthToken,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "connect failed")
		return nil, err
	}

	// The gateway answers with connected or an error frame; keepalive
	// pongs may interleave.
	for {
		frame, err := c.Next(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "handshake failed")
			return nil, fmt.Errorf("connect handshake: %w", err)
		}
		switch frame.Type {
		case protocol.TypeConnected:
			c.sessionID = frame.SessionID
			return c, nil
		case protocol.TypeError:
			conn.Close(websocket.StatusNormalClosure, "")
			return nil, &ServerError{Code: frame.Code, Message: frame.Message}
		}
	}
}

// SessionID returns the session bound by the connect handshake.
func (c *Client) SessionID() string { return c.sessionID }

// Chat sends one user message on the bound session.
func (c *Client) Chat(ctx context.Context, content string) error {
	return c.send(ctx, protocol.ClientFrame{
		Type:      protocol.TypeChat,
		SessionID: c.sessionID,
		Content:   content,
	})
}

// Command invokes a gateway command such as status or cancel.
func (c *Client) Command(ctx context.Context, name string, args ...string) error {
	return c.send(ctx, protocol.ClientFrame{Type: protocol.TypeCommand, Name: name, Args: args})
}

// Ping asks the gateway for a pong.
func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, protocol.ClientFrame{Type: protocol.TypePing, Timestamp: time.Now().UnixMilli()})
}

// Next blocks until the next event frame arrives.
func (c *Client) Next(ctx context.Context) (protocol.EventFrame, error) {
	var frame protocol.EventFrame
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}

// RunTurn sends content and forwards the turn's frames to fn until the
// agent finishes, returning the completion's token usage. Tool errors are
// mid-turn frames and go to fn; an agent error ends the turn and comes
// back as a *ServerError. fn may be nil.
func (c *Client) RunTurn(ctx context.Context, content string, fn func(protocol.EventFrame)) (*protocol.TokenUsage, error) {
	if err := c.Chat(ctx, content); err != nil {
		return nil, err
	}
	for {
		frame, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if frame.SessionID != "" && frame.SessionID != c.sessionID {
			continue
		}
		switch frame.Type {
		case protocol.TypePong, protocol.TypeConfigUpdated, protocol.TypeConnected:
			continue
		case protocol.TypeAgentComplete:
			return frame.Usage, nil
		case protocol.TypeError:
			if frame.Code == protocol.CodeToolError {
				if fn != nil {
					fn(frame)
				}
				continue
			}
			return nil, &ServerError{Code: frame.Code, Message: frame.Message}
		default:
			if fn != nil {
				fn(frame)
			}
		}
	}
}

// Close performs a clean WebSocket shutdown.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) send(ctx context.Context, frame protocol.ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}
