package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/bamboo/internal/bus"
	"github.com/nextlevelbuilder/bamboo/internal/session"
)

// streamTick is how often a follow-mode stream rechecks that its turn is
// still running.
const streamTick = 500 * time.Millisecond

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
	Status    string `json:"status"`
}

// pendingPrompt is a chat message accepted over POST but not yet published.
// The stream handler publishes it once its SSE subscriber is attached, so
// no event of the turn can precede the subscription.
type pendingPrompt struct {
	content string
	model   string
}

func (a *API) setPending(sessionID string, p pendingPrompt) {
	a.pendingMu.Lock()
	a.pending[sessionID] = p
	a.pendingMu.Unlock()
}

func (a *API) takePending(sessionID string) (pendingPrompt, bool) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	p, ok := a.pending[sessionID]
	if ok {
		delete(a.pending, sessionID)
	}
	return p, ok
}

// handleChat accepts a chat message, resolving (or minting) its session,
// and hands back the stream URL that will carry the turn's events.
func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	sess, created, err := a.sessions.GetOrCreate(req.SessionID, "")
	if err != nil {
		slog.Error("resolve chat session", "session", req.SessionID, "error", err)
		writeError(w, err)
		return
	}

	a.setPending(sess.ID, pendingPrompt{content: req.Message, model: req.Model})
	if created {
		a.bus.Publish(bus.Event{Type: bus.EventSessionCreated, SessionID: sess.ID})
	}

	slog.Info("chat accepted", "session", sess.ID, "created", created)
	writeJSON(w, http.StatusAccepted, chatResponse{
		SessionID: sess.ID,
		StreamURL: "/api/v1/stream/" + sess.ID,
		Status:    "accepted",
	})
}

// handleStream serves the SSE stream for one turn. With a pending chat the
// handler subscribes first and publishes the chat request after, so every
// event of the turn reaches this subscriber. Without one it follows a turn
// already in flight, ending when the turn's final event arrives or the
// session goes idle.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.sessions.Get(id, ""); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub := a.bus.Subscribe("sse-" + uuid.NewString())
	defer a.bus.Unsubscribe(sub.ID())

	prompt, published := a.takePending(id)
	switch {
	case published:
		a.bus.Publish(bus.Event{
			Type:      bus.EventChatRequest,
			SessionID: id,
			Content:   prompt.content,
			Model:     prompt.model,
			ReplyTo:   bus.HTTPReply(id),
		})
	case a.agent != nil && a.agent.Busy(id):
		// Follow a turn started elsewhere.
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no pending message for session"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("sse stream opened", "session", id, "published", published)

	// serve renders one bus event as an SSE frame and reports whether it
	// ended the turn.
	serve := func(evt bus.Event) bool {
		if evt.SessionID != id {
			return false
		}
		se, ok := sseEvent(evt)
		if !ok {
			return false
		}
		data, err := json.Marshal(se)
		if err != nil {
			slog.Error("sse marshal", "session", id, "error", err)
			return false
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		return evt.Type == bus.EventAgentComplete || evt.Type == bus.EventAgentError
	}

	ticker := time.NewTicker(streamTick)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if serve(evt) {
				return
			}
		case <-ticker.C:
			if published || a.agent.Busy(id) {
				continue
			}
			// The followed turn ended; its final event either sits in
			// the queue already or was published before we subscribed.
			for {
				select {
				case evt, ok := <-sub.Events():
					if !ok || serve(evt) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handleStop cancels the in-flight turn on a session. Stopping an idle
// session is not an error; the response says which case applied.
func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.sessions.Get(id, ""); err != nil {
		writeError(w, err)
		return
	}

	status := "idle"
	if a.agent != nil && a.agent.Cancel(id) {
		status = "cancelled"
	}
	slog.Info("stop requested", "session", id, "status", status)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": status})
}

type historyResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []session.Message `json:"messages"`
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := a.sessions.History(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Messages: msgs})
}

// sseEvent maps a bus event to the session event vocabulary the SSE stream
// speaks, which is also the vocabulary of the on-disk event log.
func sseEvent(evt bus.Event) (session.Event, bool) {
	now := time.Now().UTC()
	switch evt.Type {
	case bus.EventToken:
		return session.Event{Type: session.EventToken, Timestamp: now, Content: evt.Token}, true
	case bus.EventToolStart:
		return session.Event{Type: session.EventToolStart, Timestamp: now, CallID: evt.CallID, Tool: evt.Tool, Args: evt.Args}, true
	case bus.EventToolComplete:
		e := session.Event{Type: session.EventToolComplete, Timestamp: now, CallID: evt.CallID, Tool: evt.Tool}
		if evt.Result != nil {
			e.Result = evt.Result.Result
			e.Success = &evt.Result.Success
		}
		return e, true
	case bus.EventToolError:
		return session.Event{Type: session.EventToolError, Timestamp: now, CallID: evt.CallID, Tool: evt.Tool, Error: evt.Error}, true
	case bus.EventAgentComplete:
		e := session.Event{Type: session.EventComplete, Timestamp: now}
		if evt.Usage != nil {
			e.Usage = &session.UsageTotals{
				InputTokens:  evt.Usage.InputTokens,
				OutputTokens: evt.Usage.OutputTokens,
			}
		}
		return e, true
	case bus.EventAgentError:
		return session.Event{Type: session.EventError, Timestamp: now, Error: evt.Error}, true
	}
	return session.Event{}, false
}
