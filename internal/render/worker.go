// Package render turns imported sources into page images. It owns the
// source-byte cache, the render worker boundary, and the per-page render
// tasks that run on the render lane.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	_ "image/jpeg"
)

// Message types exchanged with the render worker.
const (
	msgStarted = "started"
	msgResult  = "result"
	msgError   = "error"
)

// renderRequest asks the worker to render one page of a source.
type renderRequest struct {
	PageID   string
	SourceID string
	PageNum  int // 1-based page within the source
	Source   []byte
}

// workerMsg is a reply from the worker. A "started" ack precedes the final
// "result" or "error" for the same page.
type workerMsg struct {
	Type   string
	PageID string
	Image  []byte
	Err    string
}

// Renderer produces a PNG for a single page of a source document.
type Renderer interface {
	RenderPage(ctx context.Context, source []byte, pageNum int) ([]byte, error)
	PageCount(source []byte) (int, error)
}

// WorkerConfig configures a render Worker.
type WorkerConfig struct {
	Renderer Renderer
	Logger   *slog.Logger
}

// Worker serializes page rendering behind a request/reply channel pair. The
// render lane runs at concurrency 1, so there is at most one dispatcher at a
// time; replies left behind by a cancelled dispatch are drained and ignored
// by the next one.
type Worker struct {
	renderer Renderer
	requests chan renderRequest
	replies  chan workerMsg
	logger   *slog.Logger

	mu     sync.Mutex
	counts map[string]int // sourceID -> page count
}

// NewWorker creates a render worker. Call Start before dispatching.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = &PopplerRenderer{}
	}
	return &Worker{
		renderer: renderer,
		requests: make(chan renderRequest),
		replies:  make(chan workerMsg, 4),
		logger:   logger.With("component", "render-worker"),
		counts:   make(map[string]int),
	}
}

// Start runs the worker loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			w.reply(ctx, workerMsg{Type: msgStarted, PageID: req.PageID})
			img, err := w.renderer.RenderPage(ctx, req.Source, req.PageNum)
			if err != nil {
				w.reply(ctx, workerMsg{Type: msgError, PageID: req.PageID, Err: err.Error()})
				continue
			}
			w.reply(ctx, workerMsg{Type: msgResult, PageID: req.PageID, Image: img})
		}
	}
}

func (w *Worker) reply(ctx context.Context, msg workerMsg) {
	select {
	case w.replies <- msg:
	case <-ctx.Done():
	}
}

// Render dispatches one page to the worker and waits for its final reply.
// Replies addressed to other pages (left over from an abandoned dispatch)
// are logged and dropped.
func (w *Worker) Render(ctx context.Context, req renderRequest) ([]byte, error) {
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-w.replies:
			if msg.PageID != req.PageID {
				w.logger.Warn("dropping reply for unknown page", "page_id", msg.PageID, "type", msg.Type)
				continue
			}
			switch msg.Type {
			case msgStarted:
				w.logger.Debug("render started", "page_id", req.PageID, "page", req.PageNum)
			case msgError:
				return nil, fmt.Errorf("render page %d: %s", req.PageNum, msg.Err)
			case msgResult:
				return msg.Image, nil
			default:
				w.logger.Warn("dropping reply with unknown type", "type", msg.Type)
			}
		}
	}
}

// PageCount returns the number of pages in a source, caching the parse per
// source so sibling page tasks don't re-analyze the same bytes.
func (w *Worker) PageCount(sourceID string, source []byte) (int, error) {
	w.mu.Lock()
	if n, ok := w.counts[sourceID]; ok {
		w.mu.Unlock()
		return n, nil
	}
	w.mu.Unlock()

	n, err := w.renderer.PageCount(source)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	w.counts[sourceID] = n
	w.mu.Unlock()
	return n, nil
}

// Evict drops the cached analysis for a source once its last page settles.
func (w *Worker) Evict(sourceID string) {
	w.mu.Lock()
	delete(w.counts, sourceID)
	w.mu.Unlock()
}

// PopplerRenderer renders PDF pages via pdftoppm (poppler-utils) and passes
// plain image sources through as PNG.
type PopplerRenderer struct {
	DPI int // render resolution, defaults to 300
}

const defaultDPI = 300

var pdfMagic = []byte("%PDF")

// IsPDF reports whether the source bytes look like a PDF document.
func IsPDF(source []byte) bool {
	return bytes.HasPrefix(source, pdfMagic)
}

// PageCount returns the page count for PDF sources and 1 for image sources.
func (r *PopplerRenderer) PageCount(source []byte) (int, error) {
	if !IsPDF(source) {
		return 1, nil
	}
	n, err := api.PageCount(bytes.NewReader(source), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// RenderPage renders a single page to PNG.
func (r *PopplerRenderer) RenderPage(ctx context.Context, source []byte, pageNum int) ([]byte, error) {
	if !IsPDF(source) {
		return normalizeImage(source)
	}

	dpi := r.DPI
	if dpi <= 0 {
		dpi = defaultDPI
	}

	tmpDir, err := os.MkdirTemp("", "pagemill-render-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	pdfPath := filepath.Join(tmpDir, "source.pdf")
	if err := os.WriteFile(pdfPath, source, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write source: %w", err)
	}

	// -singlefile keeps pdftoppm from appending a page suffix.
	outputPrefix := filepath.Join(tmpDir, "page")
	pageStr := strconv.Itoa(pageNum)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(dpi),
		"-singlefile",
		pdfPath,
		outputPrefix,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	data, err := os.ReadFile(outputPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	return data, nil
}

// normalizeImage decodes an image source and re-encodes it as PNG.
func normalizeImage(source []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image source: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode page image: %w", err)
	}
	return buf.Bytes(), nil
}
