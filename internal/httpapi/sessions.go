package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/bamboo/internal/bus"
	"github.com/nextlevelbuilder/bamboo/internal/session"
)

// handleListSessions lists session metadata. Query parameters: user_id,
// state (repeatable), sort (created_at, updated_at, last_activity_at,
// message_count), order=desc, limit, offset.
func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := session.Filter{
		UserID:     q.Get("user_id"),
		SortBy:     session.SortField(q.Get("sort")),
		Descending: q.Get("order") == "desc",
	}
	for _, st := range q["state"] {
		f.States = append(f.States, session.State(st))
	}

	var err error
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return
	}
	if f.Offset, err = queryInt(q.Get("offset")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offset"})
		return
	}

	writeJSON(w, http.StatusOK, a.sessions.Store().List(f))
}

// handleDeleteSession removes a session and its event log. A turn still
// running on it is cancelled first.
func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if a.agent != nil {
		a.agent.Cancel(id)
	}
	if err := a.sessions.Delete(id); err != nil {
		writeError(w, err)
		return
	}

	a.bus.Publish(bus.Event{Type: bus.EventSessionClosed, SessionID: id})
	slog.Info("session deleted", "session", id)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "deleted"})
}

// queryInt parses a non-negative integer query parameter, empty meaning 0.
func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
