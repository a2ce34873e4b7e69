package types

import "time"

// EventKind discriminates the merged per-session event stream.
type EventKind string

const (
	// Telephony control events.
	EventCallStart  EventKind = "call_start"
	EventCallStop   EventKind = "call_stop"
	EventDTMF       EventKind = "dtmf"
	EventCallStatus EventKind = "call_status"
	EventMark       EventKind = "mark"

	// Telephony media.
	EventCallerAudio EventKind = "caller_audio"

	// Speech-model events.
	EventTranscriptPartial EventKind = "transcript_partial"
	EventTranscriptFinal   EventKind = "transcript_final"
	EventAudioDelta        EventKind = "audio_delta"
	EventToolCallRequest   EventKind = "tool_call_request"
	EventResponseDone      EventKind = "response_done"
	EventSpeechStarted     EventKind = "speech_started"
	EventSpeechError       EventKind = "speech_error"
	EventSpeechReady       EventKind = "speech_ready"

	// Internal events delivered through the same ordered queue.
	EventToolResolved     EventKind = "tool_resolved"
	EventFallbackOverride EventKind = "fallback_override"
	EventSetupTimeout     EventKind = "setup_timeout"
)

// ToolRequest is a speech-model function-call request.
type ToolRequest struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

// Event is one entry in the multiplexed per-session stream. Exactly the
// fields relevant to Kind are set.
type Event struct {
	Kind       EventKind       `json:"kind"`
	Ts         time.Time       `json:"timestamp"`
	TraceID    string          `json:"trace_id,omitempty"`
	Frame      *AudioFrame     `json:"-"`
	Digit      string          `json:"digit,omitempty"`
	Text       string          `json:"text,omitempty"`
	Status     string          `json:"status,omitempty"`
	Tool       *ToolRequest    `json:"tool,omitempty"`
	Invocation *ToolInvocation `json:"invocation,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Err        error           `json:"-"`
}

// Control reports whether the event takes delivery precedence over
// queued media and model events: telephony control frames plus the
// loop's own override and timeout signals.
func (e Event) Control() bool {
	switch e.Kind {
	case EventCallStart, EventCallStop, EventDTMF, EventCallStatus, EventMark,
		EventFallbackOverride, EventSetupTimeout:
		return true
	}
	return false
}

// Droppable reports whether the multiplexer may shed the event under
// backpressure. Only un-applied audio deltas are ever dropped.
func (e Event) Droppable() bool {
	return e.Kind == EventAudioDelta || e.Kind == EventCallerAudio
}
