// Package events carries pipeline progress notifications to UI collaborators.
// Publishing never blocks the pipeline: a subscriber that falls behind loses
// events rather than stalling page processing.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

const (
	// Per-page, per-stage lifecycle.
	TypePageQueued  Type = "page_queued"
	TypePageStarted Type = "page_started"
	TypePageSuccess Type = "page_success"
	TypePageError   Type = "page_error"

	// Batch lifecycle (one batch = one import of a source).
	TypeBatchStarted   Type = "batch_started"
	TypeBatchProgress  Type = "batch_progress"
	TypeBatchCompleted Type = "batch_completed"
)

// Stage identifies which lane the event belongs to.
type Stage string

const (
	StageRender   Stage = "render"
	StageOCR      Stage = "ocr"
	StageGenerate Stage = "generate"
)

// Event is one pipeline notification.
type Event struct {
	Type   Type      `json:"type"`
	Stage  Stage     `json:"stage,omitempty"`
	PageID string    `json:"page_id,omitempty"`
	Batch  string    `json:"batch,omitempty"` // source ID for import batches
	Done   int       `json:"done,omitempty"`
	Total  int       `json:"total,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
	logger *slog.Logger
}

// NewBus creates a Bus. Buffer is the per-subscriber channel depth
// (default 64).
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("subscriber behind, dropping event", "type", ev.Type, "page", ev.PageID)
		}
	}
}
