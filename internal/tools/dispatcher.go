package tools

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"concierge/bridge/internal/types"
)

const scopeName = "concierge/bridge/internal/tools"

var tracer = otel.Tracer(scopeName)

// Dispatcher executes AI-requested business actions with per-tool
// timeouts, idempotent retry and per-tool concurrency limits. It is the
// only resource shared across sessions; the limits keep one misbehaving
// session from starving the rest.
type Dispatcher struct {
	reg      *Registry
	provider Provider
	timeout  time.Duration

	semMu sync.Mutex
	sems  map[string]chan struct{}
	limit int

	mu       sync.Mutex
	resolved map[string]types.ToolInvocation
	inflight map[string]chan struct{}
}

func NewDispatcher(reg *Registry, provider Provider, timeout time.Duration, maxConcurrency int) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 8
	}
	return &Dispatcher{
		reg:      reg,
		provider: provider,
		timeout:  timeout,
		sems:     make(map[string]chan struct{}),
		limit:    maxConcurrency,
		resolved: make(map[string]types.ToolInvocation),
		inflight: make(map[string]chan struct{}),
	}
}

// Invoke runs one tool call. A timeout is retried exactly once with the
// SAME idempotency key; a validation error is never retried. Duplicate
// keys short-circuit to the stored result, and a concurrent duplicate
// waits for the first dispatch instead of issuing a second one.
func (d *Dispatcher) Invoke(ctx context.Context, name string, payload map[string]any, idemKey string) (types.ToolInvocation, error) {
	started := time.Now()
	inv := types.ToolInvocation{
		Tool:           name,
		Input:          payload,
		IdempotencyKey: idemKey,
		Status:         types.InvocationPending,
		StartedAt:      started,
	}

	ctx, span := tracer.Start(ctx, "tool invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.idempotency_key", idemKey),
	)

	tool, err := d.reg.Lookup(name)
	if err != nil {
		return d.resolve(inv, nil, err)
	}
	if err := tool.Validate(payload); err != nil {
		return d.resolve(inv, nil, err)
	}

	// Idempotency: replay a stored result, or wait on an in-flight
	// dispatch with the same key rather than issuing another.
	for {
		d.mu.Lock()
		if prev, ok := d.resolved[idemKey]; ok {
			d.mu.Unlock()
			metricDuplicates.WithLabelValues(name).Inc()
			log.Printf("[tools] key=%s duplicate short-circuited to %s", idemKey, prev.Status)
			return prev, errFromStatus(prev)
		}
		if wait, ok := d.inflight[idemKey]; ok {
			d.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return inv, ctx.Err()
			}
		}
		done := make(chan struct{})
		d.inflight[idemKey] = done
		d.mu.Unlock()

		result, err := d.dispatch(ctx, name, payload, idemKey)
		inv, err = d.resolve(inv, result, err)

		d.mu.Lock()
		delete(d.inflight, idemKey)
		close(done)
		d.mu.Unlock()

		metricLatency.WithLabelValues(name).Observe(float64(time.Since(started).Milliseconds()))
		return inv, err
	}
}

// dispatch performs the provider call with a bounded timeout and at most
// one retry, under the tool's concurrency limit.
func (d *Dispatcher) dispatch(ctx context.Context, name string, payload map[string]any, idemKey string) (map[string]any, error) {
	sem := d.semaphore(name)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			metricRetries.WithLabelValues(name).Inc()
			log.Printf("[tools] key=%s retrying after timeout", idemKey)
		}
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		result, err := d.provider.Call(callCtx, name, payload, idemKey)
		cancel()

		if err == nil {
			return result, nil
		}
		if errors.Is(err, types.ErrToolValidation) {
			// Retrying would not change the outcome.
			return nil, err
		}
		if timedOut(callCtx, ctx, err) {
			if ctx.Err() != nil {
				// Session cancelled, not a tool timeout.
				return nil, ctx.Err()
			}
			continue
		}
		return nil, err
	}
	return nil, types.ErrToolTimeout
}

func timedOut(callCtx, parent context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		(callCtx.Err() == context.DeadlineExceeded && parent.Err() == nil)
}

// resolve seals the invocation, stores it under its key and logs it.
// Invocations are immutable once resolved.
func (d *Dispatcher) resolve(inv types.ToolInvocation, result map[string]any, err error) (types.ToolInvocation, error) {
	now := time.Now()
	inv.ResolvedAt = &now
	switch {
	case err == nil:
		inv.Status = types.InvocationSucceeded
		inv.Result = result
	case errors.Is(err, types.ErrToolTimeout):
		inv.Status = types.InvocationTimedOut
		inv.Error = err.Error()
	default:
		inv.Status = types.InvocationFailed
		inv.Error = err.Error()
	}

	d.mu.Lock()
	d.resolved[inv.IdempotencyKey] = inv
	d.mu.Unlock()

	if err != nil {
		metricErrors.WithLabelValues(inv.Tool, string(inv.Status)).Inc()
	}
	log.Printf("[tools] key=%s tool=%s status=%s", inv.IdempotencyKey, inv.Tool, inv.Status)
	return inv, err
}

func (d *Dispatcher) semaphore(name string) chan struct{} {
	d.semMu.Lock()
	defer d.semMu.Unlock()
	sem := d.sems[name]
	if sem == nil {
		sem = make(chan struct{}, d.limit)
		d.sems[name] = sem
	}
	return sem
}

func errFromStatus(inv types.ToolInvocation) error {
	switch inv.Status {
	case types.InvocationTimedOut:
		return types.ErrToolTimeout
	case types.InvocationFailed:
		return errors.New(inv.Error)
	}
	return nil
}
