package types

import (
	"errors"
	"time"
)

// State is the conversation state of a call session.
type State string

const (
	StateConnecting  State = "CONNECTING"
	StateActive      State = "ACTIVE"
	StateToolPending State = "TOOL_PENDING"
	StateBargeIn     State = "BARGE_IN"
	StateClosing     State = "CLOSING"
	StateTerminated  State = "TERMINATED"
	StateFallback    State = "FALLBACK"
)

// Terminal reports whether no further events are processed in this state.
func (s State) Terminal() bool { return s == StateTerminated }

// Error taxonomy. Per-frame and per-invocation errors are handled locally;
// only ErrTransportUnavailable and ErrSessionInternal terminate a session.
var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrAudioDecode          = errors.New("audio decode error")
	ErrToolTimeout          = errors.New("tool timeout")
	ErrToolValidation       = errors.New("tool validation error")
	ErrUpstreamDegraded     = errors.New("upstream degraded")
	ErrSessionInternal      = errors.New("session internal error")
)

// FrameSource identifies which side of the bridge produced an audio frame.
type FrameSource string

const (
	SourceTelephony FrameSource = "telephony"
	SourceSpeech    FrameSource = "speech"
)

// AudioFrame is one timestamped chunk of audio from either transport.
// Seq is per-source and strictly increasing; the transcoder must never
// reorder frames within a source.
type AudioFrame struct {
	Source  FrameSource `json:"source"`
	Seq     uint64      `json:"seq"`
	Ts      time.Time   `json:"timestamp"`
	Payload []byte      `json:"-"`
	TraceID string      `json:"trace_id,omitempty"`
}

// InvocationStatus is the lifecycle of a tool invocation.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// ToolInvocation records one AI-requested business action. Immutable once
// resolved; a retry reuses the same IdempotencyKey.
type ToolInvocation struct {
	Tool           string           `json:"tool"`
	Input          map[string]any   `json:"input,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	Status         InvocationStatus `json:"status"`
	Result         map[string]any   `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	TraceID        string           `json:"trace_id,omitempty"`
}

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// ConversationTurn is one utterance. Never mutated after Finalized is set.
type ConversationTurn struct {
	ID        string           `json:"turn_id"`
	Speaker   Speaker          `json:"speaker"`
	Text      string           `json:"text,omitempty"`
	FirstSeq  uint64           `json:"first_seq,omitempty"`
	LastSeq   uint64           `json:"last_seq,omitempty"`
	Tools     []ToolInvocation `json:"tools,omitempty"`
	DTMF      string           `json:"dtmf,omitempty"`
	Finalized bool             `json:"finalized"`
}

// EscalationRecord is handed to the human-transfer path when a session
// degrades beyond recovery.
type EscalationRecord struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CallMetadata is the inbound-call notification payload.
type CallMetadata struct {
	CallID     string `json:"call_id"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	AccountRef string `json:"account_ref,omitempty"`
}

// CallSession is the per-call record. Exclusively owned by the session
// manager; every other component receives the id, never the pointer.
type CallSession struct {
	ID         string             `json:"session_id"`
	TraceID    string             `json:"trace_id"`
	State      State              `json:"state"`
	Meta       CallMetadata       `json:"meta"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	EndReason  string             `json:"end_reason,omitempty"`
	Transcript []ConversationTurn `json:"transcript,omitempty"`
	Escalated  bool               `json:"escalated"`
}
