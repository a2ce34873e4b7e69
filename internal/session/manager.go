package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"concierge/bridge/internal/codec"
	"concierge/bridge/internal/config"
	"concierge/bridge/internal/fallback"
	"concierge/bridge/internal/fsm"
	"concierge/bridge/internal/mux"
	"concierge/bridge/internal/obs"
	"concierge/bridge/internal/speech"
	"concierge/bridge/internal/store"
	"concierge/bridge/internal/telephony"
	"concierge/bridge/internal/tools"
	"concierge/bridge/internal/types"
)

// SpeechDialer opens the model side of a call. Injected so tests run
// against an in-memory fake.
type SpeechDialer func(ctx context.Context) (speech.Conn, error)

// Manager owns every call session: creation on inbound call, supervision
// of the per-session loop, and teardown. A session failure never touches
// any other session.
type Manager struct {
	cfg        config.Config
	store      *store.Store
	emitter    *obs.Emitter
	dispatcher *tools.Dispatcher
	registry   *tools.Registry
	dialSpeech SpeechDialer

	mu   sync.Mutex
	live map[string]*session
	wg   sync.WaitGroup
}

func NewManager(cfg config.Config, st *store.Store, em *obs.Emitter, reg *tools.Registry, disp *tools.Dispatcher, dial SpeechDialer) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		emitter:    em,
		dispatcher: disp,
		registry:   reg,
		dialSpeech: dial,
		live:       make(map[string]*session),
	}
}

// HandleCall is the telephony entry point. It blocks until the session
// terminates. The telephony handshake already completed; creation still
// fails with TransportUnavailable if the speech side cannot be attached
// within its dial window.
func (m *Manager) HandleCall(ctx context.Context, meta types.CallMetadata, tel telephony.Conn) error {
	id := uuid.New().String()

	sp, err := m.dialSpeech(ctx)
	if err != nil {
		log.Printf("[session] id=%s speech attach failed: %v", id, err)
		return fmt.Errorf("create session %s: %w", id, err)
	}

	xcoder, err := codec.New(m.cfg.Telephony.SampleRate, m.cfg.Speech.SampleRate)
	if err != nil {
		_ = sp.Close("setup failed")
		return fmt.Errorf("create session %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sctx, traceID := m.emitter.SessionStarted(ctx, id, meta)

	rec := &types.CallSession{
		ID:        id,
		TraceID:   traceID,
		State:     types.StateConnecting,
		Meta:      meta,
		StartedAt: time.Now().UTC(),
	}
	if err := m.store.CreateSession(rec); err != nil {
		cancel()
		m.emitter.SessionEnded(id, traceID, "setup_failed", rec.StartedAt)
		_ = sp.Close("setup failed")
		return fmt.Errorf("create session %s: %w", id, err)
	}

	s := &session{
		id:      id,
		traceID: traceID,
		meta:    meta,
		cfg:     m.cfg,
		ctx:     sctx,
		cancel:  cancel,
		store:   m.store,
		emitter: m.emitter,
		disp:    m.dispatcher,
		tel:     tel,
		speech:  sp,
		xcoder:  xcoder,
		mux:     mux.New(id, m.cfg.Mux.BufferSize),
		monitor: fallback.NewMonitor(id, fallback.Options{
			CheckInterval:  m.cfg.Fallback.CheckInterval,
			ErrorRateLimit: m.cfg.Fallback.ErrorRateLimit,
			LatencyLimit:   m.cfg.Fallback.LatencyLimit,
			WindowSize:     m.cfg.Fallback.WindowSize,
		}),
		started: rec.StartedAt,
	}
	s.machine = fsm.New(func(from, to types.State, reason string) {
		m.store.SetState(id, to)
		m.emitter.StateTransition(id, traceID, from, to, reason)
	})

	m.mu.Lock()
	m.live[id] = s
	m.mu.Unlock()
	m.wg.Add(1)

	defer func() {
		m.mu.Lock()
		delete(m.live, id)
		m.mu.Unlock()
		m.wg.Done()
	}()

	log.Printf("[session] id=%s call=%s created", id, meta.CallID)
	s.run()
	return nil
}

// Terminate force-ends a session. Terminating an unknown or already
// terminated session is a no-op.
func (m *Manager) Terminate(id, reason string) {
	m.mu.Lock()
	s := m.live[id]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.mux.Push(types.Event{Kind: types.EventCallStop, Ts: time.Now(), Reason: reason})
}

// Shutdown force-terminates every live session and waits for their loops
// to drain.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Terminate(id, "shutdown")
	}

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[session] shutdown wait aborted: %v", ctx.Err())
	}
}

// LiveCount reports sessions whose loops are still running.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}
