package session

import (
	"context"
	"fmt"
	"log"
	"time"

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

// session is one call's loop state. All fields below the sync boundary
// (mux.Out) are touched only from run's goroutine, so the event loop is
// single-threaded-equivalent and state transitions never race.
type session struct {
	id      string
	traceID string
	meta    types.CallMetadata
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc

	store   *store.Store
	emitter *obs.Emitter
	disp    *tools.Dispatcher
	tel     telephony.Conn
	speech  speech.Conn
	xcoder  *codec.Transcoder
	mux     *mux.Mux
	monitor *fallback.Monitor
	machine *fsm.Machine

	started time.Time

	// loop-local conversation state
	turnSeq     int
	agentText   string
	agentFirst  uint64
	agentLast   uint64
	agentTools  []types.ToolInvocation
	dtmfBuf     string
	pendingCall *types.ToolRequest
}

func (s *session) run() {
	reason := "completed"
	defer func() {
		if r := recover(); r != nil {
			s.emitter.InternalError(s.id, s.traceID, fmt.Errorf("%w: panic: %v", types.ErrSessionInternal, r))
			reason = "internal_error"
		}
		s.teardown(reason)
	}()

	go s.pumpTelephony()
	go s.pumpSpeech()

	setup := time.AfterFunc(s.cfg.Telephony.SetupWindow, func() {
		s.mux.Push(types.Event{Kind: types.EventSetupTimeout, Ts: time.Now()})
	})
	defer setup.Stop()

	for {
		select {
		case why := <-s.monitor.Trips():
			// The override travels through the ordered queue like any
			// other event, so it cannot interleave with a transition.
			s.emitter.FallbackTriggered(s.id, s.traceID, why)
			s.mux.Push(types.Event{Kind: types.EventFallbackOverride, Ts: time.Now(), Reason: why})

		case ev, ok := <-s.mux.Out():
			if !ok {
				reason = "stream_closed"
				return
			}
			stop, why := s.handle(ev)
			if stop {
				reason = why
				return
			}
		}
	}
}

func (s *session) pumpTelephony() {
	for ev := range s.tel.Events() {
		s.mux.Push(ev)
	}
}

func (s *session) pumpSpeech() {
	for ev := range s.speech.Events() {
		s.monitor.ObserveLiveness()
		s.mux.Push(ev)
	}
}

// handle applies one event. It returns stop=true when the session is done
// and the loop should tear down with the given reason.
func (s *session) handle(ev types.Event) (stop bool, reason string) {
	d, err := s.machine.On(ev)
	if err != nil {
		// Invariant violation: surfaced, never swallowed, and fatal for
		// this session only.
		s.emitter.InternalError(s.id, s.traceID, err)
		return true, "internal_error"
	}

	switch ev.Kind {
	case types.EventSpeechError:
		s.monitor.ObserveOutcome(false, 0)
		s.store.AppendEvent(s.id, "speech_error", s.traceID, map[string]any{"message": ev.Reason})

	case types.EventDTMF:
		s.dtmfBuf += ev.Digit
		s.store.AppendEvent(s.id, "dtmf", s.traceID, map[string]any{"digit": ev.Digit})

	case types.EventCallStatus:
		s.store.AppendEvent(s.id, "call_status", s.traceID, map[string]any{"status": ev.Status})

	case types.EventTranscriptFinal:
		s.appendCallerTurn(ev.Text)

	case types.EventTranscriptPartial:
		s.agentText += ev.Text

	case types.EventResponseDone:
		s.flushAgentTurn()
		s.monitor.ExpectResponse(false)

	case types.EventToolResolved:
		if ev.Invocation != nil {
			s.agentTools = append(s.agentTools, *ev.Invocation)
			s.emitter.ToolResolved(s.id, s.traceID, *ev.Invocation)
			ok := ev.Invocation.Status == types.InvocationSucceeded
			var latency time.Duration
			if ev.Invocation.ResolvedAt != nil {
				latency = ev.Invocation.ResolvedAt.Sub(ev.Invocation.StartedAt)
			}
			s.monitor.ObserveOutcome(ok, latency)
		}
	}

	if d.CancelAgentAudio {
		s.cancelAgentAudio()
	}
	if d.ForwardCallerAudio && ev.Frame != nil {
		s.forwardCallerAudio(ev.Frame)
	}
	if d.ForwardAgentAudio && ev.Frame != nil {
		s.forwardAgentAudio(ev.Frame)
	}
	if d.StartTool != nil {
		s.startTool(d.StartTool)
	}
	if d.InjectToolResult != nil {
		s.injectToolResult(d.InjectToolResult)
	}
	if d.PlayFallback {
		s.playFallback()
	}
	if d.Escalate {
		s.escalate(d.EscalationReason)
	}
	if d.Close {
		s.flushAndClose()
		return true, d.CloseReason
	}
	return false, ""
}

func (s *session) forwardCallerAudio(f *types.AudioFrame) {
	f.TraceID = s.traceID
	out, err := s.xcoder.ToSpeech(*f)
	if err != nil {
		s.mux.DropDecodeError(err)
		return
	}
	if err := s.speech.SendAudio(s.ctx, out); err != nil {
		log.Printf("[session] id=%s send caller audio: %v", s.id, err)
	}
}

func (s *session) forwardAgentAudio(f *types.AudioFrame) {
	f.TraceID = s.traceID
	out, err := s.xcoder.ToTelephony(*f)
	if err != nil {
		s.mux.DropDecodeError(err)
		return
	}
	if s.agentFirst == 0 {
		s.agentFirst = f.Seq
	}
	s.agentLast = f.Seq
	if len(out.Payload) == 0 {
		// decimation carry; nothing to write yet
		return
	}
	if err := s.tel.WriteAudio(s.ctx, out); err != nil {
		log.Printf("[session] id=%s send agent audio: %v", s.id, err)
	}
}

// cancelAgentAudio implements the barge-in contract: the in-flight model
// response is cancelled and the telephony side's buffered output cleared
// before any further delta is forwarded. Both happen inline here, so no
// stale audio can be written after this returns.
func (s *session) cancelAgentAudio() {
	if err := s.speech.CancelResponse(s.ctx); err != nil {
		log.Printf("[session] id=%s cancel response: %v", s.id, err)
	}
	if err := s.tel.Clear(s.ctx); err != nil {
		log.Printf("[session] id=%s clear telephony buffer: %v", s.id, err)
	}
	s.xcoder.Reset()
	s.flushAgentTurn()
	s.store.AppendEvent(s.id, "barge_in", s.traceID, nil)
}

func (s *session) startTool(req *types.ToolRequest) {
	s.pendingCall = req
	key := fmt.Sprintf("%s-turn%d-%s", s.id, s.turnSeq, req.Name)
	s.monitor.ExpectResponse(true)
	go func() {
		inv, err := s.disp.Invoke(s.ctx, req.Name, req.Args, key)
		if err != nil {
			log.Printf("[session] id=%s tool %s: %v", s.id, req.Name, err)
		}
		inv.TraceID = s.traceID
		s.mux.Push(types.Event{Kind: types.EventToolResolved, Ts: time.Now(), Invocation: &inv})
	}()
}

func (s *session) injectToolResult(inv *types.ToolInvocation) {
	callID := ""
	if s.pendingCall != nil {
		callID = s.pendingCall.CallID
	}
	s.pendingCall = nil
	if err := s.speech.SendToolResult(s.ctx, callID, inv.Result, inv.Error); err != nil {
		log.Printf("[session] id=%s inject tool result: %v", s.id, err)
	}
	// The model owes us a spoken continuation now.
	s.monitor.ExpectResponse(true)
}

// playFallback asks the telephony side to play the configured recorded
// message. The provider acknowledges completion with a mark frame, which
// moves the machine on to CLOSING. No internal error text ever reaches
// the caller.
func (s *session) playFallback() {
	s.store.AppendEvent(s.id, "fallback_message", s.traceID, map[string]any{"message": s.cfg.Fallback.Message})
	if err := s.tel.WriteMark(s.ctx, "fallback_message"); err != nil {
		log.Printf("[session] id=%s play fallback: %v", s.id, err)
	}
}

func (s *session) escalate(reason string) {
	rec := types.EscalationRecord{
		SessionID: s.id,
		Reason:    reason,
		Summary:   s.lastCallerText(),
		CreatedAt: time.Now().UTC(),
	}
	s.store.AddEscalation(rec)
	s.emitter.Escalated(s.id, s.traceID, rec)
}

func (s *session) lastCallerText() string {
	snap, ok := s.store.Snapshot(s.id)
	if !ok {
		return ""
	}
	for i := len(snap.Transcript) - 1; i >= 0; i-- {
		if snap.Transcript[i].Speaker == types.SpeakerCaller && snap.Transcript[i].Text != "" {
			return snap.Transcript[i].Text
		}
	}
	return ""
}

func (s *session) appendCallerTurn(text string) {
	s.turnSeq++
	turn := types.ConversationTurn{
		ID:      fmt.Sprintf("turn%d", s.turnSeq),
		Speaker: types.SpeakerCaller,
		Text:    text,
		DTMF:    s.dtmfBuf,
	}
	s.dtmfBuf = ""
	s.store.AppendTurn(s.id, turn)
}

func (s *session) flushAgentTurn() {
	if s.agentText == "" && len(s.agentTools) == 0 {
		return
	}
	s.turnSeq++
	turn := types.ConversationTurn{
		ID:       fmt.Sprintf("turn%d", s.turnSeq),
		Speaker:  types.SpeakerAgent,
		Text:     s.agentText,
		FirstSeq: s.agentFirst,
		LastSeq:  s.agentLast,
		Tools:    s.agentTools,
	}
	s.agentText = ""
	s.agentFirst = 0
	s.agentLast = 0
	s.agentTools = nil
	s.store.AppendTurn(s.id, turn)
}

func (s *session) flushAndClose() {
	s.flushAgentTurn()
	if err := s.tel.WriteMark(s.ctx, "end"); err != nil {
		log.Printf("[session] id=%s final mark: %v", s.id, err)
	}
}

func (s *session) teardown(reason string) {
	s.machine.CompleteClose(reason)
	s.cancel()
	_ = s.tel.Close(reason)
	_ = s.speech.Close(reason)
	s.mux.Close()
	s.monitor.Stop()
	now := time.Now().UTC()
	s.store.SetEnded(s.id, reason, now)
	s.emitter.SessionEnded(s.id, s.traceID, reason, s.started)
	log.Printf("[session] id=%s terminated reason=%s", s.id, reason)
}
