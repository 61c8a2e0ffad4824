// Package mountauth tests for the per-mount authenticator FIFO/worker pool
package mountauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAuthBackend is a minimal Authenticator used to exercise Instance
// without any HTTP/IO dependency.
type fakeAuthBackend struct {
	delay   time.Duration
	outcome Outcome
	calls   atomic.Int32
}

func (f *fakeAuthBackend) Authenticate(ctx context.Context, req *ClientRequest) Outcome {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.outcome
}

func enqueueAndWait(t *testing.T, in *Instance, backend *fakeAuthBackend, n int) {
	t.Helper()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		c := NewClient("127.0.0.1", "example.com", "/stream", "test-agent")
		req := &ClientRequest{Kind: ProcessNewListener, Client: c}
		req.Callback = func(ctx context.Context, r *ClientRequest) Outcome {
			return backend.Authenticate(ctx, r)
		}
		req.onDispose = func(r *ClientRequest, outcome Outcome) {
			wg.Done()
		}
		if err := in.Enqueue(req); err != nil {
			wg.Done()
			t.Errorf("Enqueue: %v", err)
		}
	}
	wg.Wait()
}

func TestInstanceHandlersClamp(t *testing.T) {
	zero := 0
	hundredOne := 101
	three := 3
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"nil default", Config{}, defaultHandlers},
		{"explicit zero clamps to one", Config{Handlers: &zero}, 1},
		{"above max clamps to 100", Config{Handlers: &hundredOne}, 100},
		{"in range unchanged", Config{Handlers: &three}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampHandlers(tt.cfg)
			if got != tt.want {
				t.Errorf("clampHandlers(%+v) = %d, want %d", tt.cfg, got, tt.want)
			}
		})
	}
}

func TestInstanceEnqueueDrainsFIFO(t *testing.T) {
	backend := &fakeAuthBackend{outcome: OutcomeOK}
	in := NewInstance(Config{}, backend, nil)
	defer in.Release()

	enqueueAndWait(t, in, backend, 25)

	if got := backend.calls.Load(); got != 25 {
		t.Errorf("backend processed %d requests, want 25", got)
	}
	if pc := in.PendingCount(); pc != 0 {
		t.Errorf("PendingCount after drain = %d, want 0", pc)
	}
}

func TestInstanceBusyAboveBound(t *testing.T) {
	backend := &fakeAuthBackend{outcome: OutcomeOK, delay: 50 * time.Millisecond}
	in := NewInstance(Config{}, backend, nil)
	defer in.Release()

	// Flood past maxPending faster than the delayed backend can drain:
	// the single spawned worker stays busy long enough for the queue to
	// build past the admission bound.
	var lastErr error
	for i := 0; i <= maxPending+5; i++ {
		c := NewClient("127.0.0.1", "example.com", "/stream", "test-agent")
		req := &ClientRequest{Kind: ProcessNewListener, Client: c}
		req.Callback = func(ctx context.Context, r *ClientRequest) Outcome {
			return backend.Authenticate(ctx, r)
		}
		if err := in.Enqueue(req); err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		t.Fatal("expected at least one ErrBusy once pending_count exceeds the bound")
	}
	if !IsBusy(lastErr) {
		t.Errorf("got %v, want ErrBusy", lastErr)
	}
}

func TestInstanceTeardownReleasesThreadData(t *testing.T) {
	backend := &threadDataBackend{}
	in := NewInstance(Config{}, backend, nil)

	c := NewClient("127.0.0.1", "example.com", "/stream", "test-agent")
	var wg sync.WaitGroup
	wg.Add(1)
	req := &ClientRequest{Kind: ProcessNewListener, Client: c}
	req.Callback = func(ctx context.Context, r *ClientRequest) Outcome {
		backend.allocCalls.Add(1)
		return OutcomeOK
	}
	req.onDispose = func(r *ClientRequest, outcome Outcome) { wg.Done() }
	if err := in.Enqueue(req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	wg.Wait()

	in.Release()
	time.Sleep(10 * time.Millisecond)

	if backend.releaseCalls.Load() == 0 {
		t.Error("teardown did not release thread data")
	}
}

type threadDataBackend struct {
	allocCalls   atomic.Int32
	releaseCalls atomic.Int32
}

func (b *threadDataBackend) AllocThreadData() any {
	return "data"
}

func (b *threadDataBackend) ReleaseThreadData(v any) {
	b.releaseCalls.Add(1)
}
