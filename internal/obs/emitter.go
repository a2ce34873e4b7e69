package obs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"concierge/bridge/internal/store"
	"concierge/bridge/internal/types"
)

const scopeName = "concierge/bridge/internal/obs"

var tracer = otel.Tracer(scopeName)

// Emitter threads a trace identifier through every session artifact and
// records counts and latencies. It is side-effect only: nothing here may
// alter control flow, and every method is safe to call on a hot path.
type Emitter struct {
	store *store.Store

	mu    sync.Mutex
	spans map[string]trace.Span
}

func NewEmitter(st *store.Store) *Emitter {
	return &Emitter{store: st, spans: make(map[string]trace.Span)}
}

// SessionStarted opens the session span and returns its trace id, which
// the manager stamps onto the CallSession and all derived records.
func (e *Emitter) SessionStarted(ctx context.Context, sessionID string, meta types.CallMetadata) (context.Context, string) {
	ctx, span := tracer.Start(ctx, "call session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("call.id", meta.CallID),
		))
	e.mu.Lock()
	e.spans[sessionID] = span
	e.mu.Unlock()

	metricSessionsActive.Inc()
	traceID := span.SpanContext().TraceID().String()
	e.store.AppendEvent(sessionID, "session_created", traceID, map[string]any{"call_id": meta.CallID})
	return ctx, traceID
}

func (e *Emitter) StateTransition(sessionID, traceID string, from, to types.State, reason string) {
	metricStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	e.store.AppendEvent(sessionID, "state_transition", traceID, map[string]any{
		"from": string(from), "to": string(to), "reason": reason,
	})
	if to == types.StateBargeIn {
		metricBargeIns.Inc()
	}
}

func (e *Emitter) ToolResolved(sessionID, traceID string, inv types.ToolInvocation) {
	payload := map[string]any{
		"tool":            inv.Tool,
		"idempotency_key": inv.IdempotencyKey,
		"status":          string(inv.Status),
	}
	if inv.ResolvedAt != nil {
		payload["latency_ms"] = inv.ResolvedAt.Sub(inv.StartedAt).Milliseconds()
	}
	e.store.AppendEvent(sessionID, "tool_invocation", traceID, payload)
}

func (e *Emitter) FallbackTriggered(sessionID, traceID, reason string) {
	e.store.AppendEvent(sessionID, "fallback_triggered", traceID, map[string]any{"reason": reason})
}

func (e *Emitter) Escalated(sessionID, traceID string, rec types.EscalationRecord) {
	e.store.AppendEvent(sessionID, "escalation", traceID, map[string]any{
		"reason": rec.Reason, "summary": rec.Summary,
	})
}

// InternalError records an invariant violation. These are never silently
// swallowed: the event log entry and counter always fire even though the
// session is being torn down.
func (e *Emitter) InternalError(sessionID, traceID string, err error) {
	metricInternalErrors.Inc()
	e.store.AppendEvent(sessionID, "session_internal_error", traceID, map[string]any{"error": err.Error()})
}

func (e *Emitter) SessionEnded(sessionID, traceID, reason string, started time.Time) {
	e.mu.Lock()
	span := e.spans[sessionID]
	delete(e.spans, sessionID)
	e.mu.Unlock()
	if span != nil {
		span.SetAttributes(attribute.String("session.end_reason", reason))
		span.End()
	}

	metricSessionsActive.Dec()
	metricSessionDuration.Observe(time.Since(started).Seconds())
	e.store.AppendEvent(sessionID, "session_ended", traceID, map[string]any{"reason": reason})
}
