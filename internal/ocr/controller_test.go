package ocr

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pagemill/pagemill/internal/health"
)

// fakeClient counts calls and returns scripted results.
type fakeClient struct {
	calls  atomic.Int32
	result *Result
	err    error
	block  chan struct{} // if set, Recognize blocks until closed
	onCall func()
}

func (f *fakeClient) Name() string                          { return "fake" }
func (f *fakeClient) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeClient) Recognize(ctx context.Context, image []byte, pageNum int) (*Result, error) {
	f.calls.Add(1)
	if f.onCall != nil {
		f.onCall()
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &Result{Success: true, Text: "hello"}, nil
}

func TestController_Success(t *testing.T) {
	gate := health.NewStaticGate(health.Status{Capacity: health.CapacityHealthy, Reachable: true})
	client := &fakeClient{}
	c := NewController(ControllerConfig{Client: client, Gate: gate, RetryInterval: 10 * time.Millisecond})

	res, err := c.Recognize(context.Background(), "p1", []byte("img"), 1)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q, want hello", res.Text)
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestController_UnreachableFailsFast(t *testing.T) {
	gate := health.NewStaticGate(health.Status{Capacity: health.CapacityHealthy, Reachable: false})
	client := &fakeClient{}
	c := NewController(ControllerConfig{Client: client, Gate: gate, RetryInterval: 10 * time.Millisecond})

	_, err := c.Recognize(context.Background(), "p1", []byte("img"), 1)
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
	if got := client.calls.Load(); got != 0 {
		t.Errorf("calls = %d, want 0 (fail fast, no remote call)", got)
	}
}

func TestController_WaitsWhileGateFull(t *testing.T) {
	gate := health.NewStaticGate(health.Status{Capacity: health.CapacityFull, Reachable: true})
	client := &fakeClient{}
	c := NewController(ControllerConfig{Client: client, Gate: gate, RetryInterval: 20 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := c.Recognize(context.Background(), "p1", []byte("img"), 1); err != nil {
			t.Errorf("Recognize failed: %v", err)
		}
	}()

	// While the gate is full the remote call must not be invoked.
	time.Sleep(80 * time.Millisecond)
	if got := client.calls.Load(); got != 0 {
		t.Fatalf("calls = %d, want 0 while gate is full", got)
	}

	gate.Set(health.Status{Capacity: health.CapacityHealthy, Reachable: true})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Recognize never completed after gate opened")
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want exactly 1 after gate opened", got)
	}
}

func TestController_RetriesOnReactiveQueueFull(t *testing.T) {
	gate := health.NewStaticGate(health.Status{Capacity: health.CapacityHealthy, Reachable: true})

	// First two calls hit the race where the service saturates between the
	// gate pre-check and the call; the third succeeds.
	client := &fakeClient{}
	client.err = ErrQueueFull
	client.onCall = func() {
		if client.calls.Load() >= 3 {
			client.err = nil
		}
	}

	c := NewController(ControllerConfig{Client: client, Gate: gate, RetryInterval: 10 * time.Millisecond})

	res, err := c.Recognize(context.Background(), "p1", []byte("img"), 1)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if !res.Success {
		t.Error("expected success after retries")
	}
	if got := client.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestController_FatalErrorNotRetried(t *testing.T) {
	gate := health.NewStaticGate(health.Status{Capacity: health.CapacityHealthy, Reachable: true})
	client := &fakeClient{err: errors.New("model exploded")}
	c := NewController(ControllerConfig{Client: client, Gate: gate, RetryInterval: 10 * time.Millisecond})

	_, err := c.Recognize(context.Background(), "p1", []byte("img"), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsQueueFull(err) {
		t.Errorf("fatal error misclassified as queue full: %v", err)
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on fatal)", got)
	}
}

func TestController_CancelDuringWaitSkipsCall(t *testing.T) {
	gate := health.NewStaticGate(health.Status{Capacity: health.CapacityFull, Reachable: true})
	client := &fakeClient{}
	c := NewController(ControllerConfig{Client: client, Gate: gate, RetryInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Recognize(ctx, "p1", []byte("img"), 1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recognize did not observe cancellation during retry wait")
	}
	if got := client.calls.Load(); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestController_DiscardsResultAfterCancel(t *testing.T) {
	gate := health.NewStaticGate(health.Status{Capacity: health.CapacityHealthy, Reachable: true})

	// The remote call resolves successfully, but only after cancellation
	// was requested. The computed result must be discarded.
	block := make(chan struct{})
	client := &fakeClient{block: block, result: &Result{Success: true, Text: "late"}}
	c := NewController(ControllerConfig{Client: client, Gate: gate, RetryInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())

	type out struct {
		res *Result
		err error
	}
	outCh := make(chan out, 1)
	go func() {
		res, err := c.Recognize(ctx, "p1", []byte("img"), 1)
		outCh <- out{res, err}
	}()

	// Wait for the call to be in flight, then cancel and let it resolve.
	deadline := time.Now().Add(2 * time.Second)
	for client.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	close(block)

	select {
	case o := <-outCh:
		if o.res != nil {
			t.Error("late result should have been discarded")
		}
		if !errors.Is(o.err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", o.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recognize never returned")
	}
}
