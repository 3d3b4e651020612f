package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/bamboo/internal/bus"
	"github.com/nextlevelbuilder/bamboo/internal/session"
	"github.com/nextlevelbuilder/bamboo/pkg/protocol"
)

const (
	// outboundDepth bounds the per-connection send queue. A client that
	// falls this far behind is disconnected rather than allowed to stall
	// or balloon the server.
	outboundDepth = 256

	writeTimeout = 10 * time.Second
)

// Client is one WebSocket connection. It starts unbound; a connect frame
// binds it to a session, after which chat frames feed the agent and the
// session's event stream flows back out as frames.
type Client struct {
	id     string
	server *Server
	conn   *websocket.Conn

	outbound  chan protocol.EventFrame
	closing   chan struct{} // ask the write pump to flush and close
	done      chan struct{}
	closeOnce sync.Once

	limiter *rate.Limiter // nil when chat is unthrottled

	mu        sync.Mutex
	sessionID string
	detach    context.CancelFunc // stops the session stream drain
	lastSeen  time.Time
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:       uuid.NewString(),
		server:   s,
		conn:     conn,
		outbound: make(chan protocol.EventFrame, outboundDepth),
		closing:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
	if rpm := s.cfg.RateLimitRPM; rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)
	}
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// SessionID returns the bound session id, or "" before connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Run drives the connection until the peer goes away or ctx is cancelled.
// It owns the read side; writes and heartbeats run on their own goroutines.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	go c.heartbeat(ctx)

	c.readLoop(ctx)
	c.Close()
}

// Close stops the pumps and unblocks the reader. Safe to call from any
// goroutine, any number of times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// SendEvent queues an event frame for delivery. A full queue disconnects
// the client instead of blocking the producer.
func (c *Client) SendEvent(event protocol.EventFrame) {
	select {
	case c.outbound <- event:
	case <-c.done:
	default:
		slog.Warn("client outbound queue full, disconnecting",
			"id", c.id, "session_id", c.SessionID())
		c.Close()
	}
}

// closeAfterFlush asks the write pump to deliver everything queued, send a
// close frame, and drop the connection. Use it when the client must still
// see a final frame, such as an auth failure.
func (c *Client) closeAfterFlush() {
	select {
	case c.closing <- struct{}{}:
	default:
	}
}

// reject sends a single error frame and closes. Used before the client is
// registered, so no pumps are running.
func (c *Client) reject(event protocol.EventFrame) {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteJSON(event)
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, event.Code))
	c.conn.Close()
}

// teardown releases everything the connection holds. Called once by the
// server when the client leaves the pool.
func (c *Client) teardown() {
	c.Close()

	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.sessionID = ""
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	c.server.sessions.Disconnect(c.id)
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "id", c.id, "error", err)
			}
			return
		}
		c.touch()

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.SendEvent(protocol.ErrorFrame(protocol.CodeInvalidMessage,
				"Failed to parse message: "+err.Error()))
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *Client) dispatch(ctx context.Context, frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.TypeConnect:
		c.handleConnect(ctx, frame)
	case protocol.TypeChat:
		c.handleChat(frame)
	case protocol.TypeCommand:
		c.handleCommand(frame)
	case protocol.TypePing:
		c.SendEvent(protocol.Pong(time.Now().UnixMilli()))
	default:
		c.SendEvent(protocol.ErrorFrame(protocol.CodeInvalidMessage,
			fmt.Sprintf("Unknown message type %q", frame.Type)))
	}
}

// handleConnect authenticates the client and binds it to a session. An
// omitted session id mints a fresh session; a repeated connect rebinds.
func (c *Client) handleConnect(ctx context.Context, frame protocol.ClientFrame) {
	if token := c.server.cfg.AuthToken; token != "" && frame.Auth != token {
		slog.Warn("client auth failed", "id", c.id)
		c.SendEvent(protocol.ErrorFrame(protocol.CodeUnauthorized, "Invalid auth token"))
		c.closeAfterFlush()
		return
	}

	sess, created, err := c.server.sessions.GetOrCreate(frame.SessionID, "")
	if err != nil {
		c.SendEvent(sessionErrorFrame(err))
		return
	}
	stream, err := c.server.sessions.Connect(sess.ID, c.id)
	if err != nil {
		c.SendEvent(sessionErrorFrame(err))
		return
	}
	if created {
		c.server.bus.Publish(bus.Event{
			Type:      bus.EventSessionCreated,
			SessionID: sess.ID,
		})
	}

	drainCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.detach != nil {
		c.detach()
	}
	c.sessionID = sess.ID
	c.detach = cancel
	c.mu.Unlock()

	go c.drainStream(drainCtx, sess.ID, stream)
	c.server.claimSession(sess.ID, c)

	c.SendEvent(protocol.Connected(sess.ID))
	slog.Info("session bound", "id", c.id, "session_id", sess.ID, "created", created)
}

// handleChat publishes the message as a chat request whose reply channel
// points back at the bound session.
func (c *Client) handleChat(frame protocol.ClientFrame) {
	sessionID := c.SessionID()
	if sessionID == "" {
		c.SendEvent(protocol.ErrorFrame(protocol.CodeNotConnected, "Send Connect first"))
		return
	}
	if frame.Content == "" {
		c.SendEvent(protocol.ErrorFrame(protocol.CodeInvalidMessage, "Empty chat content"))
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.SendEvent(protocol.ErrorFrame(protocol.CodeRateLimited, "Too many messages, slow down"))
		return
	}

	c.server.bus.Publish(bus.Event{
		Type:      bus.EventChatRequest,
		SessionID: sessionID,
		Content:   frame.Content,
		ReplyTo:   bus.GatewayReply(sessionID),
	})
}

// handleCommand answers the built-in commands locally and routes anything
// else onto the bus for whoever handles it.
func (c *Client) handleCommand(frame protocol.ClientFrame) {
	sessionID := c.SessionID()
	if sessionID == "" {
		c.SendEvent(protocol.ErrorFrame(protocol.CodeNotConnected, "Send Connect first"))
		return
	}

	switch frame.Name {
	case "ping":
		c.SendEvent(protocol.Pong(time.Now().UnixMilli()))
	case "status":
		busy := c.server.agent != nil && c.server.agent.Busy(sessionID)
		c.SendEvent(protocol.AgentToken(sessionID,
			fmt.Sprintf("Session: %s, Connected: true, Busy: %v", sessionID, busy)))
	case "cancel":
		cancelled := c.server.agent != nil && c.server.agent.Cancel(sessionID)
		c.SendEvent(protocol.AgentToken(sessionID,
			fmt.Sprintf("Cancelled: %v", cancelled)))
	default:
		args, _ := json.Marshal(frame.Args)
		c.server.bus.Publish(bus.Event{
			Type:      bus.EventCommand,
			SessionID: sessionID,
			Command:   frame.Name,
			Args:      args,
		})
	}
}

// drainStream forwards the session's live events to this connection until
// the stream closes or the binding is replaced.
func (c *Client) drainStream(ctx context.Context, sessionID string, stream *session.EventStream) {
	for {
		evt, ok := stream.Next(ctx)
		if !ok {
			return
		}
		if frame, ok := eventFrame(sessionID, evt); ok {
			c.SendEvent(frame)
		}
	}
}

// writePump serializes all writes to the connection. gorilla permits one
// concurrent writer, so every frame funnels through the outbound queue.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case frame := <-c.outbound:
			if !c.write(frame) {
				return
			}
		case <-c.closing:
			for {
				select {
				case frame := <-c.outbound:
					if !c.write(frame) {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
					c.Close()
					return
				}
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(frame protocol.EventFrame) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		slog.Debug("websocket write failed", "id", c.id, "error", err)
		c.Close()
		return false
	}
	return true
}

// heartbeat sends a keepalive pong every interval and tears the connection
// down when the peer has sent nothing for three intervals.
func (c *Client) heartbeat(ctx context.Context) {
	interval := c.server.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(c.seen()) > 3*interval {
				slog.Info("client heartbeat timed out",
					"id", c.id, "session_id", c.SessionID())
				c.Close()
				return
			}
			c.SendEvent(protocol.Pong(time.Now().UnixMilli()))
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// unbind clears the session binding if it still points at sessionID. The
// manager has already moved the session's stream to another connection.
func (c *Client) unbind(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return
	}
	c.sessionID = ""
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// eventFrame maps a session event to its wire frame. State changes are
// internal bookkeeping and produce no frame.
func eventFrame(sessionID string, evt session.Event) (protocol.EventFrame, bool) {
	switch evt.Type {
	case session.EventToken:
		return protocol.AgentToken(sessionID, evt.Content), true
	case session.EventToolStart:
		return protocol.AgentToolStart(sessionID, evt.Tool), true
	case session.EventToolComplete:
		return protocol.AgentToolComplete(sessionID, evt.Tool, evt.Result), true
	case session.EventToolError:
		frame := protocol.ErrorFrame(protocol.CodeToolError, evt.Error)
		frame.SessionID = sessionID
		frame.Tool = evt.Tool
		return frame, true
	case session.EventComplete:
		var usage *protocol.TokenUsage
		if evt.Usage != nil {
			usage = &protocol.TokenUsage{
				InputTokens:  evt.Usage.InputTokens,
				OutputTokens: evt.Usage.OutputTokens,
			}
		}
		return protocol.AgentComplete(sessionID, usage), true
	case session.EventError:
		frame := protocol.ErrorFrame(protocol.CodeAgentError, evt.Error)
		frame.SessionID = sessionID
		return frame, true
	default:
		return protocol.EventFrame{}, false
	}
}

// sessionErrorFrame translates a session layer failure into the closest
// protocol error code.
func sessionErrorFrame(err error) protocol.EventFrame {
	code := protocol.CodeAgentError
	switch {
	case session.IsQuotaExceeded(err):
		code = protocol.CodeCapacityExceeded
	case errors.Is(err, session.ErrAccessDenied):
		code = protocol.CodeUnauthorized
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrExpired):
		code = protocol.CodeInvalidMessage
	}
	return protocol.ErrorFrame(code, err.Error())
}
