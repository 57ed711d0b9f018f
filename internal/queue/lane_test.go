package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startLane(t *testing.T, cfg Config) *Lane {
	t.Helper()
	lane := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go lane.Start(ctx)
	return lane
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestLane_RunsSubmittedWork(t *testing.T) {
	lane := startLane(t, Config{Name: "test"})

	done := make(chan struct{})
	if err := lane.Submit("k1", func(ctx context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("work never ran")
	}
}

func TestLane_Supersession(t *testing.T) {
	lane := startLane(t, Config{Name: "test"})

	firstCancelled := make(chan struct{})
	firstStarted := make(chan struct{})
	secondRan := make(chan struct{})

	if err := lane.Submit("page1", func(ctx context.Context) error {
		close(firstStarted)
		<-ctx.Done()
		close(firstCancelled)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	<-firstStarted

	// Second submit for the same key supersedes the running first unit.
	if err := lane.Submit("page1", func(ctx context.Context) error {
		close(secondRan)
		return nil
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-firstCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("first unit's cancellation signal never fired")
	}
	select {
	case <-secondRan:
	case <-time.After(2 * time.Second):
		t.Fatal("second unit never ran")
	}
}

func TestLane_SupersessionDropsPending(t *testing.T) {
	lane := startLane(t, Config{Name: "test", Concurrency: 1})

	release := make(chan struct{})
	var firstRan, secondRan atomic.Bool

	// Occupy the single worker so subsequent submissions stay pending.
	lane.Submit("blocker", func(ctx context.Context) error {
		<-release
		return nil
	})

	lane.Submit("page1", func(ctx context.Context) error {
		firstRan.Store(true)
		return nil
	})
	lane.Submit("page1", func(ctx context.Context) error {
		secondRan.Store(true)
		return nil
	})
	close(release)

	if !waitFor(t, 2*time.Second, func() bool { return secondRan.Load() }) {
		t.Fatal("superseding unit never ran")
	}
	if firstRan.Load() {
		t.Error("superseded pending unit should have been dropped, but it ran")
	}
}

func TestLane_ConcurrencyBound(t *testing.T) {
	lane := startLane(t, Config{Name: "test", Concurrency: 1})

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		key := string(rune('a' + i))
		lane.Submit(key, func(ctx context.Context) error {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := maxRunning.Load()
				if n <= old || maxRunning.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}

	wg.Wait()
	if got := maxRunning.Load(); got > 1 {
		t.Errorf("observed %d concurrent units, want at most 1", got)
	}
}

func TestLane_FaultIsolation(t *testing.T) {
	lane := startLane(t, Config{Name: "test"})

	var after atomic.Bool

	lane.Submit("bad-error", func(ctx context.Context) error {
		return errors.New("boom")
	})
	lane.Submit("bad-panic", func(ctx context.Context) error {
		panic("worse boom")
	})
	lane.Submit("good", func(ctx context.Context) error {
		after.Store(true)
		return nil
	})

	if !waitFor(t, 2*time.Second, func() bool { return after.Load() }) {
		t.Fatal("sibling unit did not run after failures")
	}
}

func TestLane_Cancel(t *testing.T) {
	lane := startLane(t, Config{Name: "test", Concurrency: 1})

	release := make(chan struct{})
	var ran atomic.Bool

	lane.Submit("blocker", func(ctx context.Context) error {
		<-release
		return nil
	})
	lane.Submit("page1", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	lane.Cancel("page1")
	close(release)

	// Give the worker time to drain the queue.
	time.Sleep(100 * time.Millisecond)
	if ran.Load() {
		t.Error("cancelled pending unit should not have run")
	}
	if stats := lane.Stats(); stats.LiveKeys != 0 {
		t.Errorf("live keys = %d, want 0", stats.LiveKeys)
	}
}

func TestLane_StatsInFlight(t *testing.T) {
	lane := startLane(t, Config{Name: "test", Concurrency: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	lane.Submit("k", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})

	<-started
	if stats := lane.Stats(); stats.InFlight != 1 {
		t.Errorf("in flight = %d, want 1", stats.InFlight)
	}
	close(release)

	if !waitFor(t, 2*time.Second, func() bool { return lane.Stats().InFlight == 0 }) {
		t.Error("in flight never returned to 0")
	}
}
