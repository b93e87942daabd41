package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"authgate.dev/internal/audit"
)

const auditReadScope = "audit:read"

var (
	errInvalidLimit = errors.New("limit must be an integer between 1 and 1000")
	errInvalidTime  = errors.New("timestamps must be RFC 3339")
)

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireScope(w, r, auditReadScope, "audit", "query"); !ok {
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, err := a.svc.Audit().Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireScope(w, r, auditReadScope, "audit", "summary"); !ok {
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 24*90 {
			writeError(w, r, http.StatusBadRequest, "hours must be an integer between 1 and 2160")
			return
		}
		hours = n
	}

	summary, err := a.svc.Audit().SecuritySummary(r.Context(), hours)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleAuditStream tails the audit trail over Server-Sent Events.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireScope(w, r, auditReadScope, "audit", "stream"); !ok {
		return
	}
	if a.live == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// The stream stays open past the server's write timeout; recorders and
	// other writers without deadline support are left as they are.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.live.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID: q.Get("actor_id"),
		Type:    audit.EventType(q.Get("type")),
		Limit:   100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return audit.Filter{}, errInvalidLimit
		}
		f.Limit = n
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, errInvalidTime
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, errInvalidTime
		}
		f.To = t
	}
	return f, nil
}
