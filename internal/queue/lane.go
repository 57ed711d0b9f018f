// Package queue provides the bounded task executor used for each category of
// work (render, OCR, generation). A Lane runs at most Concurrency units at
// once, dispatches FIFO, and enforces at-most-one-live-unit-per-key by
// cancelling any prior unit when a key is resubmitted (supersession).
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned when a lane's queue cannot accept more work.
var ErrQueueFull = errors.New("lane queue full")

// Work is one unit of work. It must honor ctx cancellation at every
// suspension point; the lane signals cancellation and never forcibly
// terminates a unit.
type Work func(ctx context.Context) error

// task tracks one pending-or-running unit. Cancellation semantics differ by
// phase: a pending task is simply dropped at dequeue, a running task must
// observe its context.
type task struct {
	key     string
	work    Work
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
}

// Lane is a concurrency-limited FIFO run queue with per-key supersession.
type Lane struct {
	name        string
	logger      *slog.Logger
	concurrency int
	queue       chan *task

	mu   sync.Mutex
	live map[string]*task // latest pending-or-running task per key

	inFlight atomic.Int32
}

// Config configures a new Lane.
type Config struct {
	Name string
	// Concurrency is the number of units that may be in flight at once.
	// Defaults to 1; the record store and source cache rely on the
	// single-writer discipline this gives each lane.
	Concurrency int
	// QueueSize is the pending-task buffer size (default 1024).
	QueueSize int
	Logger    *slog.Logger
}

// New creates a new Lane.
func New(cfg Config) *Lane {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	return &Lane{
		name:        cfg.Name,
		logger:      logger.With("lane", cfg.Name),
		concurrency: concurrency,
		queue:       make(chan *task, queueSize),
		live:        make(map[string]*task),
	}
}

// Name returns the lane name.
func (l *Lane) Name() string {
	return l.name
}

// Start runs the lane's workers. Blocks until ctx is cancelled; run in a
// goroutine. On shutdown all live tasks are cancelled.
func (l *Lane) Start(ctx context.Context) {
	l.logger.Debug("lane started", "concurrency", l.concurrency)

	for i := 0; i < l.concurrency; i++ {
		go l.worker(ctx)
	}

	<-ctx.Done()

	l.mu.Lock()
	for _, t := range l.live {
		t.cancel()
	}
	l.mu.Unlock()
	l.logger.Debug("lane stopping")
}

// Submit queues a unit of work for key. If a unit for the same key is already
// pending or running, it is cancelled first so the lane never holds two live
// units for one key.
func (l *Lane) Submit(key string, work Work) error {
	tctx, cancel := context.WithCancel(context.Background())
	t := &task{key: key, work: work, ctx: tctx, cancel: cancel}

	l.mu.Lock()
	if prior, ok := l.live[key]; ok {
		prior.cancel()
		l.logger.Debug("task superseded", "key", key, "was_running", prior.running.Load())
	}
	l.live[key] = t
	l.mu.Unlock()

	select {
	case l.queue <- t:
		return nil
	default:
		l.drop(t)
		return fmt.Errorf("%w: %s", ErrQueueFull, l.name)
	}
}

// Cancel cancels the pending-or-running unit for key, if any.
func (l *Lane) Cancel(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.live[key]; ok {
		t.cancel()
		delete(l.live, key)
		l.logger.Debug("task cancelled", "key", key, "was_running", t.running.Load())
	}
}

// drop removes a task from the live map if it is still the current one.
func (l *Lane) drop(t *task) {
	t.cancel()
	l.mu.Lock()
	if l.live[t.key] == t {
		delete(l.live, t.key)
	}
	l.mu.Unlock()
}

func (l *Lane) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case t := <-l.queue:
			// A superseded or cancelled pending task is simply dropped.
			if t.ctx.Err() != nil {
				l.drop(t)
				continue
			}

			t.running.Store(true)
			l.inFlight.Add(1)
			err := l.run(t)
			l.inFlight.Add(-1)
			l.drop(t)

			switch {
			case err == nil:
				l.logger.Debug("task completed", "key", t.key)
			case errors.Is(err, context.Canceled):
				l.logger.Debug("task cancelled during run", "key", t.key)
			default:
				l.logger.Warn("task failed", "key", t.key, "error", err)
			}
		}
	}
}

// run executes a unit, containing panics so one bad task never takes down
// the lane or its siblings.
func (l *Lane) run(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.work(t.ctx)
}

// Stats reports the lane's current state.
type Stats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	InFlight    int    `json:"in_flight"`
	QueueDepth  int    `json:"queue_depth"`
	LiveKeys    int    `json:"live_keys"`
}

// Stats returns a snapshot of the lane's state.
func (l *Lane) Stats() Stats {
	l.mu.Lock()
	liveKeys := len(l.live)
	l.mu.Unlock()

	return Stats{
		Name:        l.name,
		Concurrency: l.concurrency,
		InFlight:    int(l.inFlight.Load()),
		QueueDepth:  len(l.queue),
		LiveKeys:    liveKeys,
	}
}
