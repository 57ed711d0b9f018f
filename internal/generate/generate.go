// Package generate builds the downstream artifacts for a recognized page:
// a markdown file with an HTML preview, a single-page PDF assembled from the
// rendered image, and a minimal docx. Stages run in order on the generation
// lane; a failure at any stage errors the page without touching siblings.
package generate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/pages"
	"github.com/pagemill/pagemill/internal/store"
)

// Config configures a Generator.
type Config struct {
	Store  store.Store
	Bus    *events.Bus
	Logger *slog.Logger
}

// Generator produces page artifacts and records them on the page.
type Generator struct {
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
	md     goldmark.Markdown
}

// New creates a Generator.
func New(cfg Config) (*Generator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger.With("component", "generate"),
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}, nil
}

// stage is one step of the generation chain.
type stage struct {
	name     string
	status   pages.Status // status while the step runs
	success  pages.Status // status after the step lands
	progress int          // progress after the step lands
	run      func(ctx context.Context, pg *pages.Page) error
}

// Run executes the full generation chain for one page. The page must have
// recognized text; the caller moves it to pending_gen before queuing. A page
// deleted while queued aborts silently.
func (g *Generator) Run(ctx context.Context, pageID string) error {
	pg, err := g.store.GetPage(ctx, pageID)
	if errors.Is(err, store.ErrNotFound) {
		g.logger.Debug("page gone before generation", "page_id", pageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load page: %w", err)
	}
	if pg.Text == "" {
		return g.fail(ctx, pg, fmt.Errorf("page has no recognized text"))
	}

	g.bus.Publish(events.Event{
		Type:   events.TypePageStarted,
		Stage:  events.StageGenerate,
		PageID: pageID,
	})

	stages := []stage{
		{"markdown", pages.StatusGeneratingMarkdown, pages.StatusMarkdownSuccess, 40, g.genMarkdown},
		{"pdf", pages.StatusGeneratingPDF, pages.StatusPDFSuccess, 75, g.genPDF},
		{"docx", pages.StatusGeneratingDocx, pages.StatusCompleted, 100, g.genDocx},
	}

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.setStatus(ctx, pg, st.status, st.progress-20)
		if err := st.run(ctx, pg); err != nil {
			return g.fail(ctx, pg, fmt.Errorf("%s generation failed: %w", st.name, err))
		}
		if ctx.Err() != nil {
			// Cancelled mid-stage: the artifact blob may exist but the page
			// record is left untouched.
			return ctx.Err()
		}
		pg.Status = st.success
		pg.Progress = st.progress
		pg.Touch()
		if pg.Status == pages.StatusCompleted {
			now := time.Now().UTC()
			pg.ProcessedAt = &now
		}
		if err := g.store.PutPage(ctx, pg); err != nil {
			return fmt.Errorf("failed to persist %s result: %w", st.name, err)
		}
	}

	g.bus.Publish(events.Event{
		Type:   events.TypePageSuccess,
		Stage:  events.StageGenerate,
		PageID: pageID,
	})
	return nil
}

// genMarkdown writes the markdown artifact plus an HTML preview rendered
// with goldmark.
func (g *Generator) genMarkdown(ctx context.Context, pg *pages.Page) error {
	md := []byte(pg.Text)
	if err := g.putOutput(ctx, pg, "markdown", "md", md); err != nil {
		return err
	}

	var html bytes.Buffer
	if err := g.md.Convert(md, &html); err != nil {
		return fmt.Errorf("markdown conversion: %w", err)
	}
	return g.putOutput(ctx, pg, "html", "html", html.Bytes())
}

// putOutput persists an artifact blob and records it on the page, replacing
// any prior artifact of the same format (re-generation).
func (g *Generator) putOutput(ctx context.Context, pg *pages.Page, format, ext string, data []byte) error {
	ref := store.OutputRef(pg.ID, ext)
	if err := g.store.PutBlob(ctx, ref, data); err != nil {
		return fmt.Errorf("failed to persist %s artifact: %w", format, err)
	}
	for i, out := range pg.Outputs {
		if out.Format == format {
			pg.Outputs[i].Ref = ref
			return nil
		}
	}
	pg.Outputs = append(pg.Outputs, pages.Output{Format: format, Ref: ref})
	return nil
}

func (g *Generator) setStatus(ctx context.Context, pg *pages.Page, st pages.Status, progress int) {
	pg.Status = st
	pg.Progress = progress
	pg.Touch()
	if err := g.store.PutPage(ctx, pg); err != nil {
		g.logger.Warn("failed to persist status", "page_id", pg.ID, "status", st, "error", err)
	}
}

func (g *Generator) fail(ctx context.Context, pg *pages.Page, err error) error {
	pg.AppendLog("error", err.Error())
	pg.Status = pages.StatusError
	pg.Progress = 0
	pg.Touch()
	if perr := g.store.PutPage(ctx, pg); perr != nil {
		g.logger.Error("failed to persist page error", "page_id", pg.ID, "error", perr)
	}
	g.bus.Publish(events.Event{
		Type:   events.TypePageError,
		Stage:  events.StageGenerate,
		PageID: pg.ID,
		Error:  err.Error(),
	})
	return err
}
