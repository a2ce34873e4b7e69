package fsm

import (
	"fmt"

	"concierge/bridge/internal/types"
)

// Decision is the set of actions the session loop should take after one
// event. The machine itself performs no I/O.
type Decision struct {
	ForwardCallerAudio bool
	ForwardAgentAudio  bool
	CancelAgentAudio   bool
	StartTool          *types.ToolRequest
	InjectToolResult   *types.ToolInvocation
	PlayFallback       bool
	Escalate           bool
	EscalationReason   string
	Close              bool
	CloseReason        string
}

// TransitionFunc observes every state change; wired to the observability
// emitter. The hook must not alter control flow.
type TransitionFunc func(from, to types.State, reason string)

// Machine is the per-session conversation state machine. All events for a
// session are applied from a single goroutine, so transitions are
// serialized by construction and the machine needs no locking.
type Machine struct {
	state        types.State
	onTransition TransitionFunc

	telReady      bool
	speechReady   bool
	agentSpeaking bool
	toolPending   bool
	pendingTool   string
}

func New(onTransition TransitionFunc) *Machine {
	return &Machine{state: types.StateConnecting, onTransition: onTransition}
}

func (m *Machine) State() types.State { return m.state }

func (m *Machine) setState(to types.State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if m.onTransition != nil {
		m.onTransition(from, to, reason)
	}
}

// On applies one event and returns what to do about it. An error is
// returned only for invariant violations; the caller surfaces those as
// session-internal errors.
func (m *Machine) On(ev types.Event) (Decision, error) {
	if m.state.Terminal() {
		// TERMINATED is absorbing.
		return Decision{}, nil
	}

	// The fallback override is the one transition not owned by the
	// machine itself: it is accepted from any non-terminal state.
	if ev.Kind == types.EventFallbackOverride {
		return m.enterFallback(ev.Reason), nil
	}

	// A hangup closes the call from any non-terminal state, cancelling
	// whatever is still in flight.
	if ev.Kind == types.EventCallStop {
		reason := ev.Reason
		if reason == "" {
			reason = "hangup"
		}
		m.toolPending = false
		d := Decision{Close: true, CloseReason: reason, CancelAgentAudio: m.agentSpeaking}
		m.agentSpeaking = false
		m.setState(types.StateClosing, reason)
		return d, nil
	}

	switch m.state {
	case types.StateConnecting:
		return m.onConnecting(ev)
	case types.StateActive:
		return m.onActive(ev)
	case types.StateToolPending:
		return m.onToolPending(ev)
	case types.StateFallback:
		return m.onFallback(ev)
	case types.StateClosing:
		// Remaining buffered audio is flushed by the loop; nothing else
		// is acted on while closing.
		return Decision{}, nil
	}
	return Decision{}, fmt.Errorf("%w: event %s in state %s", types.ErrSessionInternal, ev.Kind, m.state)
}

func (m *Machine) onConnecting(ev types.Event) (Decision, error) {
	switch ev.Kind {
	case types.EventCallStart:
		m.telReady = true
	case types.EventSpeechReady:
		m.speechReady = true
	case types.EventSetupTimeout:
		return m.enterFallback("setup_timeout"), nil
	default:
		// Media arriving before both sides confirmed is buffered by the
		// transports, not acted on here.
		return Decision{}, nil
	}
	if m.telReady && m.speechReady {
		m.setState(types.StateActive, "transports_ready")
	}
	return Decision{}, nil
}

func (m *Machine) onActive(ev types.Event) (Decision, error) {
	switch ev.Kind {
	case types.EventCallerAudio:
		return Decision{ForwardCallerAudio: true}, nil

	case types.EventAudioDelta:
		m.agentSpeaking = true
		return Decision{ForwardAgentAudio: true}, nil

	case types.EventSpeechStarted:
		// Caller speech while the agent is talking is a barge-in: the
		// in-flight response is cancelled and buffered output discarded
		// before any further output is forwarded.
		if m.agentSpeaking {
			m.setState(types.StateBargeIn, "barge_in")
			m.agentSpeaking = false
			m.setState(types.StateActive, "barge_in_handled")
			return Decision{CancelAgentAudio: true}, nil
		}
		return Decision{}, nil

	case types.EventResponseDone:
		m.agentSpeaking = false
		return Decision{}, nil

	case types.EventToolCallRequest:
		if ev.Tool == nil {
			return Decision{}, fmt.Errorf("%w: tool_call_request without tool", types.ErrSessionInternal)
		}
		m.toolPending = true
		m.pendingTool = ev.Tool.Name
		m.setState(types.StateToolPending, "tool:"+ev.Tool.Name)
		return Decision{StartTool: ev.Tool}, nil

	case types.EventSpeechError:
		// Recoverable per-event error; the fallback controller decides
		// whether the accumulated rate warrants degrading.
		return Decision{}, nil
	}
	return Decision{}, nil
}

func (m *Machine) onToolPending(ev types.Event) (Decision, error) {
	switch ev.Kind {
	case types.EventToolResolved:
		if ev.Invocation == nil {
			return Decision{}, fmt.Errorf("%w: tool_resolved without invocation", types.ErrSessionInternal)
		}
		m.toolPending = false
		m.pendingTool = ""
		if ev.Invocation.Status == types.InvocationTimedOut {
			return m.enterFallback("tool_timeout"), nil
		}
		// Success or provider error both resume the conversation; the
		// result (or error) is injected into the speech session.
		m.setState(types.StateActive, "tool_resolved")
		return Decision{InjectToolResult: ev.Invocation}, nil

	case types.EventToolCallRequest:
		// Tool invocations are strictly serialized per session.
		return Decision{}, fmt.Errorf("%w: tool requested while %s pending", types.ErrSessionInternal, m.pendingTool)

	case types.EventCallerAudio:
		// Keep streaming caller audio so the model hears continued
		// speech; agent output stays paused until resolution.
		return Decision{ForwardCallerAudio: true}, nil

	case types.EventAudioDelta:
		// Output is paused while the tool resolves.
		return Decision{}, nil
	}
	return Decision{}, nil
}

func (m *Machine) onFallback(ev types.Event) (Decision, error) {
	switch ev.Kind {
	case types.EventMark:
		// The telephony side acknowledged the prerecorded message; the
		// call can now wind down.
		m.setState(types.StateClosing, "fallback_done")
		return Decision{Close: true, CloseReason: "fallback"}, nil
	}
	return Decision{}, nil
}

func (m *Machine) enterFallback(reason string) Decision {
	m.toolPending = false
	d := Decision{
		PlayFallback:     true,
		Escalate:         true,
		EscalationReason: reason,
		CancelAgentAudio: m.agentSpeaking,
	}
	m.agentSpeaking = false
	m.setState(types.StateFallback, reason)
	return d
}

// CompleteClose finalizes the session after the loop has flushed buffers
// and sealed the transcript. Idempotent.
func (m *Machine) CompleteClose(reason string) {
	if m.state.Terminal() {
		return
	}
	m.setState(types.StateTerminated, reason)
}
