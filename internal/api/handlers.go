package api

import (
	"encoding/json"
	"net/http"
	"time"

	"concierge/bridge/internal/config"
	"concierge/bridge/internal/store"
)

// Terminator force-ends live sessions. Satisfied by the session manager.
type Terminator interface {
	Terminate(id, reason string)
	LiveCount() int
}

type Handlers struct {
	cfg   config.Config
	store *store.Store
	mgr   Terminator
}

func NewHandlers(cfg config.Config, st *store.Store, mgr Terminator) *Handlers {
	return &Handlers{cfg: cfg, store: st, mgr: mgr}
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := h.store.ListSessionIDs()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessions": ids,
		"live":     h.mgr.LiveCount(),
	})
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	snap, ok := h.store.Snapshot(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request, id string) {
	snap, ok := h.store.Snapshot(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if snap.EndedAt != nil {
		h.store.AppendEvent(id, "end_requested", snap.TraceID, map[string]any{"noop": true})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ended": true})
		return
	}

	reason := "operator_end"
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Reason != "" {
		reason = body.Reason
	}
	h.store.AppendEvent(id, "end_requested", snap.TraceID, map[string]any{"reason": reason})
	h.mgr.Terminate(id, reason)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ended": false, "requested_at": time.Now().UTC()})
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := h.store.Snapshot(id); !ok {
		http.NotFound(w, r)
		return
	}
	events := h.store.ListEvents(id)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"session_id": id,
		"events":     events,
	})
}

func (h *Handlers) HandleListEscalations(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := h.store.Snapshot(id); !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"session_id":  id,
		"escalations": h.store.Escalations(id),
	})
}
