package tools

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"concierge/bridge/internal/types"
)

// fakeProvider scripts per-call behavior and records every dispatch.
type fakeProvider struct {
	mu    sync.Mutex
	calls []string // idempotency keys, in dispatch order
	fn    func(call int, name string) (map[string]any, error)
}

func (f *fakeProvider) Call(ctx context.Context, name string, payload map[string]any, key string) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	n := len(f.calls)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(n, name)
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func validPayload() map[string]any {
	return map[string]any{"check_in": "2026-06-01", "check_out": "2026-06-03"}
}

func TestInvokeSuccess(t *testing.T) {
	p := &fakeProvider{}
	d := NewDispatcher(NewRegistry(), p, time.Second, 4)

	inv, err := d.Invoke(context.Background(), "check_availability", validPayload(), "sess1-turn3-check_availability")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if inv.Status != types.InvocationSucceeded || inv.ResolvedAt == nil {
		t.Fatalf("expected resolved success, got %+v", inv)
	}
	if inv.IdempotencyKey != "sess1-turn3-check_availability" {
		t.Fatalf("key not preserved: %q", inv.IdempotencyKey)
	}
}

func TestUnknownToolIsValidationError(t *testing.T) {
	d := NewDispatcher(NewRegistry(), &fakeProvider{}, time.Second, 4)
	inv, err := d.Invoke(context.Background(), "book_flight", nil, "k1")
	if !errors.Is(err, types.ErrToolValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if inv.Status != types.InvocationFailed {
		t.Fatalf("expected failed status, got %s", inv.Status)
	}
}

func TestMissingRequiredFieldIsValidationError(t *testing.T) {
	p := &fakeProvider{}
	d := NewDispatcher(NewRegistry(), p, time.Second, 4)
	_, err := d.Invoke(context.Background(), "check_availability", map[string]any{"check_in": "2026-06-01"}, "k1")
	if !errors.Is(err, types.ErrToolValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if p.count() != 0 {
		t.Fatalf("invalid payload must never reach the provider")
	}
}

func TestProviderValidationErrorNotRetried(t *testing.T) {
	p := &fakeProvider{fn: func(int, string) (map[string]any, error) {
		return nil, types.ErrToolValidation
	}}
	d := NewDispatcher(NewRegistry(), p, time.Second, 4)

	_, err := d.Invoke(context.Background(), "check_availability", validPayload(), "k1")
	if !errors.Is(err, types.ErrToolValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if p.count() != 1 {
		t.Fatalf("validation error retried: %d dispatches", p.count())
	}
}

func TestTimeoutRetriedOnceWithSameKey(t *testing.T) {
	p := &fakeProvider{fn: func(int, string) (map[string]any, error) {
		return nil, context.DeadlineExceeded
	}}
	d := NewDispatcher(NewRegistry(), p, 50*time.Millisecond, 4)

	inv, err := d.Invoke(context.Background(), "check_availability", validPayload(), "k1")
	if !errors.Is(err, types.ErrToolTimeout) {
		t.Fatalf("expected tool timeout, got %v", err)
	}
	if inv.Status != types.InvocationTimedOut {
		t.Fatalf("expected timed_out status, got %s", inv.Status)
	}
	if p.count() != 2 {
		t.Fatalf("expected exactly 2 dispatches (1 retry), got %d", p.count())
	}
	for _, k := range p.calls {
		if k != "k1" {
			t.Fatalf("retry used different key %q", k)
		}
	}
}

func TestTimeoutThenSuccessRecovers(t *testing.T) {
	p := &fakeProvider{fn: func(call int, _ string) (map[string]any, error) {
		if call == 1 {
			return nil, context.DeadlineExceeded
		}
		return map[string]any{"available": true}, nil
	}}
	d := NewDispatcher(NewRegistry(), p, 50*time.Millisecond, 4)

	inv, err := d.Invoke(context.Background(), "check_availability", validPayload(), "k1")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if inv.Status != types.InvocationSucceeded {
		t.Fatalf("expected success after retry, got %s", inv.Status)
	}
}

func TestDuplicateKeyShortCircuits(t *testing.T) {
	p := &fakeProvider{}
	d := NewDispatcher(NewRegistry(), p, time.Second, 4)

	first, _ := d.Invoke(context.Background(), "check_availability", validPayload(), "k1")
	second, _ := d.Invoke(context.Background(), "check_availability", validPayload(), "k1")

	if p.count() != 1 {
		t.Fatalf("duplicate key caused second dispatch: %d", p.count())
	}
	if second.Status != first.Status || second.IdempotencyKey != first.IdempotencyKey {
		t.Fatalf("duplicate converged to different result: %+v vs %+v", first, second)
	}
}

func TestConcurrentDuplicatesDispatchOnce(t *testing.T) {
	var release = make(chan struct{})
	p := &fakeProvider{fn: func(int, string) (map[string]any, error) {
		<-release
		return map[string]any{"ok": true}, nil
	}}
	d := NewDispatcher(NewRegistry(), p, time.Second, 4)

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := d.Invoke(context.Background(), "check_availability", validPayload(), "k1")
			if err == nil && inv.Status == types.InvocationSucceeded {
				succeeded.Add(1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if p.count() != 1 {
		t.Fatalf("expected a single dispatch for concurrent duplicates, got %d", p.count())
	}
	if succeeded.Load() != 5 {
		t.Fatalf("expected all 5 callers to converge, got %d", succeeded.Load())
	}
}

func TestPerToolConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	block := make(chan struct{})
	p := &fakeProvider{fn: func(int, string) (map[string]any, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-block
		inFlight.Add(-1)
		return map[string]any{"ok": true}, nil
	}}
	d := NewDispatcher(NewRegistry(), p, time.Second, 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k" + string(rune('a'+i))
			d.Invoke(context.Background(), "check_availability", validPayload(), key)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(block)
	wg.Wait()

	if peak.Load() > 2 {
		t.Fatalf("concurrency limit breached: peak %d", peak.Load())
	}
}
