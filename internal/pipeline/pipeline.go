// Package pipeline is the orchestrator: it owns the three work lanes
// (render, ocr, generate), the record store, the health gate, and the stage
// implementations, and exposes the page-level operations the CLI and server
// call. All status transitions between stages land here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/generate"
	"github.com/pagemill/pagemill/internal/health"
	"github.com/pagemill/pagemill/internal/ocr"
	"github.com/pagemill/pagemill/internal/pages"
	"github.com/pagemill/pagemill/internal/queue"
	"github.com/pagemill/pagemill/internal/render"
	"github.com/pagemill/pagemill/internal/store"
)

// Config configures an Orchestrator.
type Config struct {
	Store  store.Store
	Gate   health.Gate
	OCR    *ocr.Controller
	Bus    *events.Bus
	Logger *slog.Logger

	// Renderer overrides the default pdftoppm-backed renderer (tests).
	Renderer render.Renderer

	// QueueSize bounds each lane's pending-task buffer.
	QueueSize int

	// AutoAdvance chains stages: a rendered page is queued for recognition,
	// a recognized page for generation. Off means every stage is triggered
	// explicitly.
	AutoAdvance bool
}

// Orchestrator wires the stages together.
type Orchestrator struct {
	store       store.Store
	gate        health.Gate
	ocr         *ocr.Controller
	bus         *events.Bus
	logger      *slog.Logger
	autoAdvance bool

	renderLane *queue.Lane
	ocrLane    *queue.Lane
	genLane    *queue.Lane

	worker *render.Worker
	render *render.Pipeline
	gen    *generate.Generator
}

// New creates an Orchestrator. Call Start before submitting work.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("health gate is required")
	}
	if cfg.OCR == nil {
		return nil, fmt.Errorf("ocr controller is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		store:       cfg.Store,
		gate:        cfg.Gate,
		ocr:         cfg.OCR,
		bus:         cfg.Bus,
		logger:      logger.With("component", "pipeline"),
		autoAdvance: cfg.AutoAdvance,
		renderLane:  queue.New(queue.Config{Name: "render", QueueSize: cfg.QueueSize, Logger: logger}),
		ocrLane:     queue.New(queue.Config{Name: "ocr", QueueSize: cfg.QueueSize, Logger: logger}),
		genLane:     queue.New(queue.Config{Name: "generate", QueueSize: cfg.QueueSize, Logger: logger}),
	}

	o.worker = render.NewWorker(render.WorkerConfig{Renderer: cfg.Renderer, Logger: logger})
	rp, err := render.New(render.Config{
		Store:       cfg.Store,
		Lane:        o.renderLane,
		Worker:      o.worker,
		Bus:         cfg.Bus,
		Logger:      logger,
		OnPageReady: o.pageRendered,
	})
	if err != nil {
		return nil, err
	}
	o.render = rp

	gen, err := generate.New(generate.Config{Store: cfg.Store, Bus: cfg.Bus, Logger: logger})
	if err != nil {
		return nil, err
	}
	o.gen = gen

	return o, nil
}

// Start runs the lanes and the render worker until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.renderLane.Start(ctx)
	go o.ocrLane.Start(ctx)
	go o.genLane.Start(ctx)
	o.worker.Start(ctx)
	o.logger.Debug("pipeline started")
}

// pageRendered is the render pipeline's completion hook.
func (o *Orchestrator) pageRendered(pageID string) {
	if !o.autoAdvance {
		return
	}
	if err := o.RecognizePage(context.Background(), pageID); err != nil {
		o.logger.Warn("failed to auto-queue recognition", "page_id", pageID, "error", err)
	}
}

// ImportFile imports one source file from disk.
func (o *Orchestrator) ImportFile(ctx context.Context, path string) (*pages.Source, error) {
	return o.render.ImportFile(ctx, path)
}

// Import imports one source from raw bytes.
func (o *Orchestrator) Import(ctx context.Context, filename string, data []byte) (*pages.Source, error) {
	return o.render.Import(ctx, filename, data)
}

// ImportFiles imports several source files concurrently. Each file's pages
// get a contiguous sequence block; blocks from different files never
// interleave because reservation is atomic.
func (o *Orchestrator) ImportFiles(ctx context.Context, paths []string) ([]*pages.Source, error) {
	sources := make([]*pages.Source, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range paths {
		g.Go(func() error {
			src, err := o.render.ImportFile(gctx, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			sources[i] = src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sources, nil
}

// AddRenderedPage registers an already-rendered page image directly, skipping
// the render stage. Used for single-image drops.
func (o *Orchestrator) AddRenderedPage(ctx context.Context, image []byte) (*pages.Page, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	seq, err := o.store.ReserveOrder(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve order: %w", err)
	}

	pg := pages.NewPage(uuid.New().String(), "", 1, seq)
	pg.ImageRef = store.PageImageRef(pg.ID)
	if err := o.store.PutBlob(ctx, pg.ImageRef, image); err != nil {
		return nil, fmt.Errorf("failed to persist page image: %w", err)
	}
	if thumb, terr := render.Thumbnail(image); terr != nil {
		o.logger.Warn("thumbnail failed", "page_id", pg.ID, "error", terr)
	} else if terr = o.store.PutBlob(ctx, store.ThumbRef(pg.ID), thumb); terr == nil {
		pg.ThumbRef = store.ThumbRef(pg.ID)
	}

	pg.Status = pages.StatusReady
	pg.Progress = 100
	if err := o.store.PutPage(ctx, pg); err != nil {
		return nil, fmt.Errorf("failed to persist page: %w", err)
	}

	o.bus.Publish(events.Event{
		Type:   events.TypePageSuccess,
		Stage:  events.StageRender,
		PageID: pg.ID,
	})
	if o.autoAdvance {
		if err := o.RecognizePage(ctx, pg.ID); err != nil {
			o.logger.Warn("failed to auto-queue recognition", "page_id", pg.ID, "error", err)
		}
	}
	return pg, nil
}

// RecognizePage queues a page for recognition. Calling it again while a
// recognition for the same page is live supersedes the earlier one; the
// superseded call's result is discarded even if the service already
// computed it.
func (o *Orchestrator) RecognizePage(ctx context.Context, pageID string) error {
	pg, err := o.store.GetPage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("failed to load page: %w", err)
	}
	if pg.ImageRef == "" {
		return fmt.Errorf("page %s has no rendered image", pageID)
	}
	if !pages.CanTransition(pg.Status, pages.StatusPendingOCR) {
		return fmt.Errorf("page %s cannot enter recognition from %s", pageID, pg.Status)
	}

	pg.Status = pages.StatusPendingOCR
	pg.Progress = 0
	pg.Touch()
	if err := o.store.PutPage(ctx, pg); err != nil {
		return fmt.Errorf("failed to persist page: %w", err)
	}

	o.bus.Publish(events.Event{
		Type:   events.TypePageQueued,
		Stage:  events.StageOCR,
		PageID: pageID,
	})
	return o.ocrLane.Submit(pageID, o.recognizeTask(pageID))
}

func (o *Orchestrator) recognizeTask(pageID string) queue.Work {
	return func(ctx context.Context) error {
		pg, err := o.store.GetPage(ctx, pageID)
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Debug("page gone before recognition", "page_id", pageID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load page: %w", err)
		}

		o.bus.Publish(events.Event{
			Type:   events.TypePageStarted,
			Stage:  events.StageOCR,
			PageID: pageID,
		})
		o.setStatus(ctx, pg, pages.StatusRecognizing, 10)

		img, err := o.store.GetBlob(ctx, pg.ImageRef)
		if err != nil {
			return o.failPage(ctx, pg, events.StageOCR, fmt.Errorf("failed to load page image: %w", err))
		}

		res, err := o.ocr.Recognize(ctx, pageID, img, pg.PageNum)
		if ctx.Err() != nil {
			// Superseded or deleted: the result, if any, is discarded.
			return ctx.Err()
		}
		if err != nil {
			return o.failPage(ctx, pg, events.StageOCR, err)
		}

		pg.Text = res.Text
		pg.RawText = res.RawText
		pg.Status = pages.StatusOCRSuccess
		pg.Progress = 100
		pg.AppendLog("info", fmt.Sprintf("recognized via %s in %s", res.PromptType, res.ExecutionTime.Round(time.Millisecond)))
		if err := o.store.PutPage(ctx, pg); err != nil {
			return fmt.Errorf("failed to persist recognition: %w", err)
		}

		o.bus.Publish(events.Event{
			Type:   events.TypePageSuccess,
			Stage:  events.StageOCR,
			PageID: pageID,
		})
		if o.autoAdvance {
			if err := o.GeneratePage(context.Background(), pageID); err != nil {
				o.logger.Warn("failed to auto-queue generation", "page_id", pageID, "error", err)
			}
		}
		return nil
	}
}

// GeneratePage queues a recognized page for artifact generation.
func (o *Orchestrator) GeneratePage(ctx context.Context, pageID string) error {
	pg, err := o.store.GetPage(ctx, pageID)
	if err != nil {
		return fmt.Errorf("failed to load page: %w", err)
	}
	if pg.Text == "" {
		return fmt.Errorf("page %s has no recognized text", pageID)
	}
	if !pages.CanTransition(pg.Status, pages.StatusPendingGen) {
		return fmt.Errorf("page %s cannot enter generation from %s", pageID, pg.Status)
	}

	pg.Status = pages.StatusPendingGen
	pg.Progress = 0
	pg.Touch()
	if err := o.store.PutPage(ctx, pg); err != nil {
		return fmt.Errorf("failed to persist page: %w", err)
	}

	o.bus.Publish(events.Event{
		Type:   events.TypePageQueued,
		Stage:  events.StageGenerate,
		PageID: pageID,
	})
	return o.genLane.Submit(pageID, func(ctx context.Context) error {
		return o.gen.Run(ctx, pageID)
	})
}

// DeletePages removes pages, cancelling any live work first so in-flight
// tasks observe cancellation instead of racing the delete.
func (o *Orchestrator) DeletePages(ctx context.Context, ids []string) error {
	for _, id := range ids {
		o.renderLane.Cancel(id)
		o.ocrLane.Cancel(id)
		o.genLane.Cancel(id)

		pg, err := o.store.GetPage(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to load page %s: %w", id, err)
		}

		// A render that never ran still holds a source refcount.
		o.render.Release(pg.SourceID, id)

		for _, ref := range pageBlobRefs(pg) {
			if err := o.store.DeleteBlob(ctx, ref); err != nil && !errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("failed to delete blob", "page_id", id, "ref", ref, "error", err)
			}
		}
	}

	if err := o.store.DeletePages(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete pages: %w", err)
	}
	o.logger.Info("pages deleted", "count", len(ids))
	return nil
}

func pageBlobRefs(pg *pages.Page) []string {
	var refs []string
	if pg.ImageRef != "" {
		refs = append(refs, pg.ImageRef)
	}
	if pg.ThumbRef != "" {
		refs = append(refs, pg.ThumbRef)
	}
	for _, out := range pg.Outputs {
		refs = append(refs, out.Ref)
	}
	return refs
}

// ReorderPages rewrites the display order to match orderedIDs. A fresh
// sequence block is reserved and applied atomically, so the global
// uniqueness invariant holds even against concurrent imports.
func (o *Orchestrator) ReorderPages(ctx context.Context, orderedIDs []string) error {
	if len(orderedIDs) == 0 {
		return nil
	}
	first, err := o.store.ReserveOrder(ctx, len(orderedIDs))
	if err != nil {
		return fmt.Errorf("failed to reserve order: %w", err)
	}
	seqs := make(map[string]int64, len(orderedIDs))
	for i, id := range orderedIDs {
		seqs[id] = first + int64(i)
	}
	if err := o.store.UpdateSequences(ctx, seqs); err != nil {
		return fmt.Errorf("failed to update sequences: %w", err)
	}
	return nil
}

// ListPages returns all pages in display order.
func (o *Orchestrator) ListPages(ctx context.Context) ([]*pages.Page, error) {
	return o.store.ListPages(ctx)
}

// GetPage returns one page.
func (o *Orchestrator) GetPage(ctx context.Context, id string) (*pages.Page, error) {
	return o.store.GetPage(ctx, id)
}

// ResumeStats summarizes a resume pass across all stages.
type ResumeStats struct {
	RenderResumed int `json:"render_resumed"`
	RenderFailed  int `json:"render_failed"`
	OCRResumed    int `json:"ocr_resumed"`
	GenResumed    int `json:"gen_resumed"`
}

// Resume re-queues every page a previous run left in a non-terminal state.
// Render resumption is delegated to the render pipeline; recognition and
// generation restart their stage from the beginning.
func (o *Orchestrator) Resume(ctx context.Context) (ResumeStats, error) {
	var stats ResumeStats

	rs, err := o.render.Resume(ctx)
	if err != nil {
		return stats, err
	}
	stats.RenderResumed = rs.Resumed
	stats.RenderFailed = rs.Failed

	stuck, err := o.store.PagesByStatus(ctx,
		pages.StatusPendingOCR, pages.StatusRecognizing,
		pages.StatusPendingGen, pages.StatusGeneratingMarkdown,
		pages.StatusMarkdownSuccess, pages.StatusGeneratingPDF,
		pages.StatusPDFSuccess, pages.StatusGeneratingDocx,
	)
	if err != nil {
		return stats, fmt.Errorf("failed to scan for interrupted pages: %w", err)
	}

	for _, pg := range stuck {
		switch pg.Status {
		case pages.StatusPendingOCR, pages.StatusRecognizing:
			if err := o.RecognizePage(ctx, pg.ID); err != nil {
				o.logger.Warn("failed to resume recognition", "page_id", pg.ID, "error", err)
				continue
			}
			stats.OCRResumed++
		default:
			if err := o.GeneratePage(ctx, pg.ID); err != nil {
				o.logger.Warn("failed to resume generation", "page_id", pg.ID, "error", err)
				continue
			}
			stats.GenResumed++
		}
	}

	o.logger.Info("resume complete",
		"render_resumed", stats.RenderResumed, "render_failed", stats.RenderFailed,
		"ocr_resumed", stats.OCRResumed, "gen_resumed", stats.GenResumed)
	return stats, nil
}

// Stats is a point-in-time snapshot of the pipeline.
type Stats struct {
	Lanes         []queue.Stats `json:"lanes"`
	CachedSources int           `json:"cached_sources"`
	OCRHealth     health.Status `json:"ocr_health"`
}

// Stats snapshots lane depths, cache occupancy, and OCR service health.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Lanes: []queue.Stats{
			o.renderLane.Stats(),
			o.ocrLane.Stats(),
			o.genLane.Stats(),
		},
		CachedSources: o.render.CacheStats(),
		OCRHealth:     o.gate.Status(),
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, pg *pages.Page, st pages.Status, progress int) {
	pg.Status = st
	pg.Progress = progress
	pg.Touch()
	if err := o.store.PutPage(ctx, pg); err != nil {
		o.logger.Warn("failed to persist status", "page_id", pg.ID, "status", st, "error", err)
	}
}

func (o *Orchestrator) failPage(ctx context.Context, pg *pages.Page, stage events.Stage, err error) error {
	pg.AppendLog("error", err.Error())
	pg.Status = pages.StatusError
	pg.Progress = 0
	pg.Touch()
	if perr := o.store.PutPage(ctx, pg); perr != nil {
		o.logger.Error("failed to persist page error", "page_id", pg.ID, "error", perr)
	}
	o.bus.Publish(events.Event{
		Type:   events.TypePageError,
		Stage:  stage,
		PageID: pg.ID,
		Error:  err.Error(),
	})
	return err
}
