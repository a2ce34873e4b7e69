package fsm

import (
	"errors"
	"testing"

	"concierge/bridge/internal/types"
)

func ready(t *testing.T, m *Machine) {
	t.Helper()
	if _, err := m.On(types.Event{Kind: types.EventCallStart}); err != nil {
		t.Fatalf("call_start: %v", err)
	}
	if _, err := m.On(types.Event{Kind: types.EventSpeechReady}); err != nil {
		t.Fatalf("speech_ready: %v", err)
	}
	if m.State() != types.StateActive {
		t.Fatalf("expected ACTIVE after both transports ready, got %s", m.State())
	}
}

func TestConnectingNeedsBothTransports(t *testing.T) {
	m := New(nil)
	m.On(types.Event{Kind: types.EventCallStart})
	if m.State() != types.StateConnecting {
		t.Fatalf("one transport must not activate the session, state=%s", m.State())
	}
	m.On(types.Event{Kind: types.EventSpeechReady})
	if m.State() != types.StateActive {
		t.Fatalf("expected ACTIVE, got %s", m.State())
	}
}

func TestSetupTimeoutFallsBack(t *testing.T) {
	m := New(nil)
	d, _ := m.On(types.Event{Kind: types.EventSetupTimeout})
	if m.State() != types.StateFallback || !d.PlayFallback || !d.Escalate {
		t.Fatalf("expected fallback with escalation, state=%s decision=%+v", m.State(), d)
	}
}

func TestToolRoundTrip(t *testing.T) {
	m := New(nil)
	ready(t, m)

	req := &types.ToolRequest{CallID: "c1", Name: "check_availability"}
	d, err := m.On(types.Event{Kind: types.EventToolCallRequest, Tool: req})
	if err != nil {
		t.Fatalf("tool request: %v", err)
	}
	if m.State() != types.StateToolPending || d.StartTool != req {
		t.Fatalf("expected TOOL_PENDING with start decision, state=%s", m.State())
	}

	// Agent output pauses during resolution, caller audio keeps flowing.
	if d, _ := m.On(types.Event{Kind: types.EventAudioDelta}); d.ForwardAgentAudio {
		t.Fatalf("agent audio must be paused in TOOL_PENDING")
	}
	if d, _ := m.On(types.Event{Kind: types.EventCallerAudio}); !d.ForwardCallerAudio {
		t.Fatalf("caller audio must flow in TOOL_PENDING")
	}

	inv := &types.ToolInvocation{Tool: "check_availability", Status: types.InvocationSucceeded}
	d, err = m.On(types.Event{Kind: types.EventToolResolved, Invocation: inv})
	if err != nil {
		t.Fatalf("tool resolved: %v", err)
	}
	if m.State() != types.StateActive || d.InjectToolResult != inv {
		t.Fatalf("expected return to ACTIVE with injection, state=%s", m.State())
	}
}

func TestToolTimeoutMovesToFallback(t *testing.T) {
	m := New(nil)
	ready(t, m)
	m.On(types.Event{Kind: types.EventToolCallRequest, Tool: &types.ToolRequest{Name: "create_reservation"}})

	inv := &types.ToolInvocation{Tool: "create_reservation", Status: types.InvocationTimedOut}
	d, _ := m.On(types.Event{Kind: types.EventToolResolved, Invocation: inv})
	if m.State() != types.StateFallback || !d.Escalate {
		t.Fatalf("tool timeout must fall back, state=%s decision=%+v", m.State(), d)
	}
}

func TestSecondToolWhilePendingIsInvariantViolation(t *testing.T) {
	m := New(nil)
	ready(t, m)
	m.On(types.Event{Kind: types.EventToolCallRequest, Tool: &types.ToolRequest{Name: "check_availability"}})

	_, err := m.On(types.Event{Kind: types.EventToolCallRequest, Tool: &types.ToolRequest{Name: "capture_lead"}})
	if !errors.Is(err, types.ErrSessionInternal) {
		t.Fatalf("expected session internal error, got %v", err)
	}
}

func TestBargeInCancelsAgentAudioAndReturnsToActive(t *testing.T) {
	var transitions []types.State
	m := New(func(from, to types.State, reason string) { transitions = append(transitions, to) })
	ready(t, m)

	m.On(types.Event{Kind: types.EventAudioDelta}) // agent speaking
	d, _ := m.On(types.Event{Kind: types.EventSpeechStarted})
	if !d.CancelAgentAudio {
		t.Fatalf("barge-in must cancel agent audio")
	}
	if m.State() != types.StateActive {
		t.Fatalf("barge-in must return to ACTIVE immediately, got %s", m.State())
	}

	sawBargeIn := false
	for _, s := range transitions {
		if s == types.StateBargeIn {
			sawBargeIn = true
		}
	}
	if !sawBargeIn {
		t.Fatalf("BARGE_IN transition not observed: %v", transitions)
	}

	// No agent audio in flight: caller speech is not a barge-in.
	d, _ = m.On(types.Event{Kind: types.EventSpeechStarted})
	if d.CancelAgentAudio {
		t.Fatalf("no cancellation expected when agent is silent")
	}
}

func TestHangupFromToolPendingCloses(t *testing.T) {
	m := New(nil)
	ready(t, m)
	m.On(types.Event{Kind: types.EventToolCallRequest, Tool: &types.ToolRequest{Name: "check_availability"}})

	d, _ := m.On(types.Event{Kind: types.EventCallStop})
	if m.State() != types.StateClosing || !d.Close {
		t.Fatalf("hangup must close from TOOL_PENDING, state=%s", m.State())
	}
	m.CompleteClose("hangup")
	if m.State() != types.StateTerminated {
		t.Fatalf("expected TERMINATED, got %s", m.State())
	}
}

func TestFallbackOverrideFromAnyState(t *testing.T) {
	for _, setup := range []func(m *Machine){
		func(m *Machine) {}, // CONNECTING
		func(m *Machine) { ready(t, m) },
		func(m *Machine) {
			ready(t, m)
			m.On(types.Event{Kind: types.EventToolCallRequest, Tool: &types.ToolRequest{Name: "check_availability"}})
		},
	} {
		m := New(nil)
		setup(m)
		d, err := m.On(types.Event{Kind: types.EventFallbackOverride, Reason: "error_rate"})
		if err != nil {
			t.Fatalf("override: %v", err)
		}
		if m.State() != types.StateFallback || !d.PlayFallback {
			t.Fatalf("override must force FALLBACK, state=%s", m.State())
		}
	}
}

func TestFallbackProceedsToClosingOnMark(t *testing.T) {
	m := New(nil)
	m.On(types.Event{Kind: types.EventFallbackOverride, Reason: "speech_stalled"})
	d, _ := m.On(types.Event{Kind: types.EventMark})
	if m.State() != types.StateClosing || !d.Close {
		t.Fatalf("fallback must wind down after playback ack, state=%s", m.State())
	}
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	m := New(nil)
	ready(t, m)
	m.On(types.Event{Kind: types.EventCallStop})
	m.CompleteClose("hangup")

	d, err := m.On(types.Event{Kind: types.EventToolCallRequest, Tool: &types.ToolRequest{Name: "check_availability"}})
	if err != nil || d.StartTool != nil {
		t.Fatalf("terminated session must ignore events, d=%+v err=%v", d, err)
	}
	if m.State() != types.StateTerminated {
		t.Fatalf("state left TERMINATED: %s", m.State())
	}
}
