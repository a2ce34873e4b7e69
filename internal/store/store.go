package store

import (
	"errors"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"concierge/bridge/internal/types"
)

var ErrSessionExists = errors.New("session already exists")

// LogEvent is one entry in a session's structured event log, the surface
// an external metrics/tracing collector consumes.
type LogEvent struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	TraceID string         `json:"trace_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Store is the arena of call sessions, indexed by session id. Components
// reference sessions by id through the store; the pointers never leave it
// except as deep-copied snapshots.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*types.CallSession
	events      map[string][]LogEvent
	escalations map[string][]types.EscalationRecord
}

func New() *Store {
	return &Store{
		sessions:    make(map[string]*types.CallSession),
		events:      make(map[string][]LogEvent),
		escalations: make(map[string][]types.EscalationRecord),
	}
}

func (s *Store) CreateSession(sess *types.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	s.sessions[sess.ID] = sess
	s.events[sess.ID] = []LogEvent{}
	return nil
}

// Snapshot returns a deep copy of the session, safe to hand to
// observability and the events API without exposing the live record.
func (s *Store) Snapshot(id string) (types.CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.sessions[id]
	if sess == nil {
		return types.CallSession{}, false
	}
	var out types.CallSession
	_ = copier.CopyWithOption(&out, sess, copier.Option{DeepCopy: true})
	return out, true
}

func (s *Store) SetState(id string, state types.State) {
	s.mu.Lock()
	if sess := s.sessions[id]; sess != nil {
		sess.State = state
	}
	s.mu.Unlock()
}

func (s *Store) SetEnded(id string, reason string, at time.Time) {
	s.mu.Lock()
	if sess := s.sessions[id]; sess != nil && sess.EndedAt == nil {
		sess.EndedAt = &at
		sess.EndReason = reason
		sess.State = types.StateTerminated
	}
	s.mu.Unlock()
}

// AppendTurn adds a finalized turn to the session transcript. Turns are
// never mutated after this point.
func (s *Store) AppendTurn(id string, turn types.ConversationTurn) {
	turn.Finalized = true
	s.mu.Lock()
	if sess := s.sessions[id]; sess != nil {
		sess.Transcript = append(sess.Transcript, turn)
	}
	s.mu.Unlock()
}

func (s *Store) AddEscalation(rec types.EscalationRecord) {
	s.mu.Lock()
	if sess := s.sessions[rec.SessionID]; sess != nil {
		sess.Escalated = true
	}
	s.escalations[rec.SessionID] = append(s.escalations[rec.SessionID], rec)
	s.mu.Unlock()
}

func (s *Store) Escalations(id string) []types.EscalationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.escalations[id]
	out := make([]types.EscalationRecord, len(src))
	copy(out, src)
	return out
}

func (s *Store) AppendEvent(sessionID, typ, traceID string, payload map[string]any) LogEvent {
	evt := LogEvent{Type: typ, Ts: time.Now().UTC(), TraceID: traceID, Payload: payload}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[sessionID] = append(s.events[sessionID], evt)
	// Cap total events per session to avoid unbounded growth
	const maxEvents = 500
	if l := len(s.events[sessionID]); l > maxEvents {
		keep := maxEvents - 1
		dropped := l - keep
		s.events[sessionID] = append([]LogEvent(nil), s.events[sessionID][l-keep:]...)
		warn := LogEvent{Type: "events_truncated", Ts: time.Now().UTC(), TraceID: traceID,
			Payload: map[string]any{"dropped": dropped, "kept": keep}}
		s.events[sessionID] = append(s.events[sessionID], warn)
	}
	return evt
}

func (s *Store) ListEvents(sessionID string) []LogEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[sessionID]
	out := make([]LogEvent, len(src))
	copy(out, src)
	return out
}

func (s *Store) ListSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// LiveCount reports sessions that have not yet terminated.
func (s *Store) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.State.Terminal() {
			n++
		}
	}
	return n
}
