package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/pages"
	"github.com/pagemill/pagemill/internal/queue"
	"github.com/pagemill/pagemill/internal/store"
)

// Config configures a render Pipeline.
type Config struct {
	Store  store.Store
	Lane   *queue.Lane
	Worker *Worker
	Bus    *events.Bus
	Logger *slog.Logger

	// OnPageReady is called after a page reaches ready, outside the
	// persistence path. The orchestrator uses it to chain into recognition.
	OnPageReady func(pageID string)
}

// Pipeline fans an imported source out into per-page render tasks, tracks
// batch progress, and cleans up the shared source bytes when the last page
// settles.
type Pipeline struct {
	store       store.Store
	lane        *queue.Lane
	worker      *Worker
	bus         *events.Bus
	logger      *slog.Logger
	cache       *sourceCache
	onPageReady func(pageID string)
}

// New creates a render Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Lane == nil {
		return nil, fmt.Errorf("lane is required")
	}
	if cfg.Worker == nil {
		return nil, fmt.Errorf("worker is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:       cfg.Store,
		lane:        cfg.Lane,
		worker:      cfg.Worker,
		bus:         cfg.Bus,
		logger:      logger.With("component", "render"),
		cache:       newSourceCache(),
		onPageReady: cfg.OnPageReady,
	}, nil
}

// ImportFile reads a source file from disk and imports it.
func (p *Pipeline) ImportFile(ctx context.Context, path string) (*pages.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	return p.Import(ctx, filepath.Base(path), data)
}

// Import registers a source, reserves a contiguous block of sequence numbers
// for its pages, persists one stub record per page, and queues the render
// tasks. Sequence numbers are assigned atomically up front so pages of
// concurrent imports never interleave.
func (p *Pipeline) Import(ctx context.Context, filename string, data []byte) (*pages.Source, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("source is empty")
	}

	sourceID := uuid.New().String()
	pageCount, err := p.worker.PageCount(sourceID, data)
	if err != nil {
		p.worker.Evict(sourceID)
		return nil, fmt.Errorf("failed to analyze source: %w", err)
	}
	if pageCount <= 0 {
		p.worker.Evict(sourceID)
		return nil, fmt.Errorf("source has no pages")
	}

	first, err := p.store.ReserveOrder(ctx, pageCount)
	if err != nil {
		p.worker.Evict(sourceID)
		return nil, fmt.Errorf("failed to reserve order: %w", err)
	}

	if err := p.store.PutBlob(ctx, store.SourceRef(sourceID), data); err != nil {
		p.worker.Evict(sourceID)
		return nil, fmt.Errorf("failed to persist source: %w", err)
	}

	src := &pages.Source{
		ID:        sourceID,
		Filename:  filename,
		PageCount: pageCount,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.PutSource(ctx, src); err != nil {
		return nil, fmt.Errorf("failed to persist source record: %w", err)
	}

	batch := make([]*pages.Page, 0, pageCount)
	pageIDs := make([]string, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		pg := pages.NewPage(uuid.New().String(), sourceID, i, first+int64(i-1))
		if err := p.store.PutPage(ctx, pg); err != nil {
			return nil, fmt.Errorf("failed to persist page stub %d: %w", i, err)
		}
		batch = append(batch, pg)
		pageIDs = append(pageIDs, pg.ID)
	}

	p.cache.put(sourceID, data, pageIDs)
	p.logger.Info("source imported", "source_id", sourceID, "file", filename, "pages", pageCount)
	p.bus.Publish(events.Event{
		Type:  events.TypeBatchStarted,
		Stage: events.StageRender,
		Batch: sourceID,
		Total: pageCount,
	})

	for _, pg := range batch {
		p.enqueue(pg)
	}
	return src, nil
}

// enqueue publishes the queued event and submits the page's render task.
func (p *Pipeline) enqueue(pg *pages.Page) {
	p.bus.Publish(events.Event{
		Type:   events.TypePageQueued,
		Stage:  events.StageRender,
		PageID: pg.ID,
		Batch:  pg.SourceID,
	})
	if err := p.lane.Submit(pg.ID, p.renderTask(pg.ID, pg.SourceID, pg.PageNum)); err != nil {
		// The lane queue is sized well past any realistic import; treat
		// rejection like a render failure so the page doesn't hang pending.
		p.logger.Error("failed to queue render task", "page_id", pg.ID, "error", err)
		p.failPage(context.Background(), pg, err)
		p.settle(pg.SourceID, pg.ID)
	}
}

// renderTask builds the lane work unit for one page. The returned unit
// captures only IDs; it re-reads the record at run time so it observes
// deletions that happened while it sat in the queue.
func (p *Pipeline) renderTask(pageID, sourceID string, pageNum int) queue.Work {
	return func(ctx context.Context) error {
		defer p.settle(sourceID, pageID)

		pg, err := p.store.GetPage(ctx, pageID)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted while queued. The render is abandoned but the source
			// refcount above still settles, so the cache cannot leak.
			p.logger.Debug("page gone before render", "page_id", pageID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load page: %w", err)
		}

		p.bus.Publish(events.Event{
			Type:   events.TypePageStarted,
			Stage:  events.StageRender,
			PageID: pageID,
			Batch:  sourceID,
		})
		p.setStatus(ctx, pg, pages.StatusRendering, 10)

		data, ok := p.cache.get(sourceID)
		if !ok {
			// Cache miss (e.g. process restarted mid-batch); fall back to
			// the persisted source bytes.
			data, err = p.store.GetBlob(ctx, store.SourceRef(sourceID))
			if err != nil {
				return p.failPage(ctx, pg, fmt.Errorf("source bytes unavailable: %w", err))
			}
		}

		img, err := p.worker.Render(ctx, renderRequest{
			PageID:   pageID,
			SourceID: sourceID,
			PageNum:  pageNum,
			Source:   data,
		})
		if ctx.Err() != nil {
			// Superseded or cancelled: whatever the worker produced is
			// discarded, nothing is persisted.
			return ctx.Err()
		}
		if err != nil {
			return p.failPage(ctx, pg, err)
		}

		if err := p.store.PutBlob(ctx, store.PageImageRef(pageID), img); err != nil {
			return p.failPage(ctx, pg, fmt.Errorf("failed to persist page image: %w", err))
		}
		pg.ImageRef = store.PageImageRef(pageID)

		// Thumbnails are best-effort; a page without one still renders fine
		// in the grid, just unscaled.
		if thumb, terr := Thumbnail(img); terr != nil {
			p.logger.Warn("thumbnail failed", "page_id", pageID, "error", terr)
		} else if terr = p.store.PutBlob(ctx, store.ThumbRef(pageID), thumb); terr != nil {
			p.logger.Warn("failed to persist thumbnail", "page_id", pageID, "error", terr)
		} else {
			pg.ThumbRef = store.ThumbRef(pageID)
		}

		pg.Touch()
		pg.Status = pages.StatusReady
		pg.Progress = 100
		if err := p.store.PutPage(ctx, pg); err != nil {
			return fmt.Errorf("failed to persist rendered page: %w", err)
		}

		p.bus.Publish(events.Event{
			Type:   events.TypePageSuccess,
			Stage:  events.StageRender,
			PageID: pageID,
			Batch:  sourceID,
		})
		if p.onPageReady != nil {
			p.onPageReady(pageID)
		}
		return nil
	}
}

// Release settles a page without running its task. The orchestrator calls
// this when it deletes pages whose render never ran; double settling with a
// task that did run is harmless.
func (p *Pipeline) Release(sourceID, pageID string) {
	if sourceID == "" {
		return
	}
	p.settle(sourceID, pageID)
}

// settle decrements the source refcount for one page, publishes batch
// progress, and finalizes the batch when the last page lands.
func (p *Pipeline) settle(sourceID, pageID string) {
	total, done, evicted, ok := p.cache.release(sourceID, pageID)
	if !ok {
		return
	}

	p.bus.Publish(events.Event{
		Type:  events.TypeBatchProgress,
		Stage: events.StageRender,
		Batch: sourceID,
		Done:  done,
		Total: total,
	})
	if evicted {
		p.finalizeBatch(sourceID, total)
	}
}

// finalizeBatch runs once per batch, after the last page settles. The source
// record is always removed; the persisted source bytes survive only when a
// page errored, so a failed page can still be re-rendered later.
func (p *Pipeline) finalizeBatch(sourceID string, total int) {
	ctx := context.Background()
	p.worker.Evict(sourceID)

	failed := 0
	if pgs, err := p.store.ListPages(ctx); err == nil {
		for _, pg := range pgs {
			if pg.SourceID == sourceID && pg.Status == pages.StatusError {
				failed++
			}
		}
	} else {
		p.logger.Warn("failed to inspect batch outcome", "source_id", sourceID, "error", err)
	}

	if err := p.store.DeleteSource(ctx, sourceID); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("failed to delete source record", "source_id", sourceID, "error", err)
	}
	if failed == 0 {
		if err := p.store.DeleteBlob(ctx, store.SourceRef(sourceID)); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("failed to delete source bytes", "source_id", sourceID, "error", err)
		}
	}

	p.logger.Info("batch settled", "source_id", sourceID, "pages", total, "failed", failed)
	p.bus.Publish(events.Event{
		Type:  events.TypeBatchCompleted,
		Stage: events.StageRender,
		Batch: sourceID,
		Done:  total,
		Total: total,
	})
}

// setStatus persists a status change, logging rather than failing the task
// when the write doesn't land; the render itself is worth more than the
// intermediate marker.
func (p *Pipeline) setStatus(ctx context.Context, pg *pages.Page, st pages.Status, progress int) {
	pg.Touch()
	pg.Status = st
	pg.Progress = progress
	if err := p.store.PutPage(ctx, pg); err != nil {
		p.logger.Warn("failed to persist status", "page_id", pg.ID, "status", st, "error", err)
	}
}

// failPage marks a page errored and publishes the failure. Returns err so
// callers can `return p.failPage(...)`.
func (p *Pipeline) failPage(ctx context.Context, pg *pages.Page, err error) error {
	pg.AppendLog("error", err.Error())
	pg.Touch()
	pg.Status = pages.StatusError
	pg.Progress = 0
	if perr := p.store.PutPage(ctx, pg); perr != nil {
		p.logger.Error("failed to persist page error", "page_id", pg.ID, "error", perr)
	}
	p.bus.Publish(events.Event{
		Type:   events.TypePageError,
		Stage:  events.StageRender,
		PageID: pg.ID,
		Batch:  pg.SourceID,
		Error:  err.Error(),
	})
	return err
}

// CacheStats reports the number of sources currently held in memory.
func (p *Pipeline) CacheStats() int {
	return p.cache.len()
}

// CacheContains reports whether a source's bytes are still cached.
func (p *Pipeline) CacheContains(sourceID string) bool {
	return p.cache.contains(sourceID)
}

// ResumeStats summarizes a resume pass.
type ResumeStats struct {
	Resumed int
	Failed  int
}

// legacyPageRef extracts a page number from old-style image refs like
// "page_0004.png". Kept only so records written before pages carried an
// explicit page number can still resume.
var legacyPageRef = regexp.MustCompile(`page[_-](\d+)`)

func legacyPageNum(ref string) (int, bool) {
	m := legacyPageRef.FindStringSubmatch(ref)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Resume re-queues every page left in a non-terminal render state by a
// previous run. Pages caught mid-render are reset to pending first. Pages
// that cannot be re-rendered (no source linkage, or source bytes gone) are
// marked errored instead of hanging forever.
func (p *Pipeline) Resume(ctx context.Context) (ResumeStats, error) {
	var stats ResumeStats

	stuck, err := p.store.PagesByStatus(ctx, pages.StatusPendingRender, pages.StatusRendering)
	if err != nil {
		return stats, fmt.Errorf("failed to scan for unrendered pages: %w", err)
	}
	if len(stuck) == 0 {
		return stats, nil
	}

	bySource := make(map[string][]*pages.Page)
	for _, pg := range stuck {
		if pg.SourceID == "" {
			// Records from before source tracking; there is nothing to
			// re-render them from.
			p.failPage(ctx, pg, fmt.Errorf("page has no source linkage; cannot resume render"))
			stats.Failed++
			continue
		}
		bySource[pg.SourceID] = append(bySource[pg.SourceID], pg)
	}

	for sourceID, group := range bySource {
		data, err := p.store.GetBlob(ctx, store.SourceRef(sourceID))
		if err != nil {
			for _, pg := range group {
				p.failPage(ctx, pg, fmt.Errorf("source bytes missing; cannot resume render: %w", err))
				stats.Failed++
			}
			continue
		}

		resumable := make([]*pages.Page, 0, len(group))
		pageIDs := make([]string, 0, len(group))
		for _, pg := range group {
			if pg.PageNum < 1 {
				n, ok := legacyPageNum(pg.ImageRef)
				if !ok {
					p.failPage(ctx, pg, fmt.Errorf("page number unknown; cannot resume render"))
					stats.Failed++
					continue
				}
				pg.PageNum = n
			}
			if pg.Status == pages.StatusRendering {
				pg.Status = pages.StatusPendingRender
				pg.Progress = 0
				pg.Touch()
				if err := p.store.PutPage(ctx, pg); err != nil {
					p.logger.Warn("failed to reset page for resume", "page_id", pg.ID, "error", err)
				}
			}
			resumable = append(resumable, pg)
			pageIDs = append(pageIDs, pg.ID)
		}
		if len(resumable) == 0 {
			continue
		}

		p.cache.put(sourceID, data, pageIDs)
		p.bus.Publish(events.Event{
			Type:  events.TypeBatchStarted,
			Stage: events.StageRender,
			Batch: sourceID,
			Total: len(resumable),
		})
		for _, pg := range resumable {
			p.enqueue(pg)
			stats.Resumed++
		}
	}

	p.logger.Info("render resume complete", "resumed", stats.Resumed, "failed", stats.Failed)
	return stats, nil
}
