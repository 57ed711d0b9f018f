package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/pages"
	"github.com/pagemill/pagemill/internal/queue"
	"github.com/pagemill/pagemill/internal/store"
)

// fakeRenderer is an in-process Renderer for pipeline tests.
type fakeRenderer struct {
	pageCount int
	failPages map[int]error // pageNum -> error to return
	block     chan struct{} // if set, RenderPage waits on it first

	mu       sync.Mutex
	rendered []int // pageNums in render order
}

func (f *fakeRenderer) PageCount(source []byte) (int, error) {
	if f.pageCount <= 0 {
		return 1, nil
	}
	return f.pageCount, nil
}

func (f *fakeRenderer) RenderPage(ctx context.Context, source []byte, pageNum int) ([]byte, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.failPages[pageNum]; ok {
		return nil, err
	}
	f.mu.Lock()
	f.rendered = append(f.rendered, pageNum)
	f.mu.Unlock()
	return testPNG(), nil
}

func (f *fakeRenderer) renderedPages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.rendered...)
}

// testPNG returns a small valid PNG so the thumbnail path can decode it.
func testPNG() []byte {
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, renderer Renderer) (*Pipeline, *store.MemoryStore) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemoryStore()
	lane := queue.New(queue.Config{Name: "render"})
	go lane.Start(ctx)

	worker := NewWorker(WorkerConfig{Renderer: renderer})
	worker.Start(ctx)

	p, err := New(Config{
		Store:  st,
		Lane:   lane,
		Worker: worker,
		Bus:    events.NewBus(0, nil),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p, st
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func allSettled(st *store.MemoryStore) bool {
	pgs, err := st.ListPages(context.Background())
	if err != nil {
		return false
	}
	for _, pg := range pgs {
		if pg.Status != pages.StatusReady && pg.Status != pages.StatusError {
			return false
		}
	}
	return len(pgs) > 0
}

func TestPipeline_ImportRendersAllPages(t *testing.T) {
	renderer := &fakeRenderer{pageCount: 3}
	p, st := newTestPipeline(t, renderer)
	ctx := context.Background()

	src, err := p.Import(ctx, "book.pdf", []byte("%PDF-1.4 fake"))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if src.PageCount != 3 {
		t.Fatalf("PageCount = %d, want 3", src.PageCount)
	}
	if src.CreatedAt.IsZero() {
		t.Error("CreatedAt not set on import")
	}

	waitFor(t, func() bool { return allSettled(st) }, "all pages settled")

	pgs, err := st.ListPages(ctx)
	if err != nil {
		t.Fatalf("ListPages() error: %v", err)
	}
	if len(pgs) != 3 {
		t.Fatalf("got %d pages, want 3", len(pgs))
	}
	for i, pg := range pgs {
		if pg.Status != pages.StatusReady {
			t.Errorf("page %d status = %s, want ready", i+1, pg.Status)
		}
		if pg.Progress != 100 {
			t.Errorf("page %d progress = %d, want 100", i+1, pg.Progress)
		}
		if pg.Sequence != int64(i+1) {
			t.Errorf("page %d sequence = %d, want %d", i+1, pg.Sequence, i+1)
		}
		if !st.HasBlob(store.PageImageRef(pg.ID)) {
			t.Errorf("page %d image blob missing", i+1)
		}
		if !st.HasBlob(store.ThumbRef(pg.ID)) {
			t.Errorf("page %d thumbnail blob missing", i+1)
		}
	}

	// Batch settled clean: cache evicted, record and source bytes gone.
	waitFor(t, func() bool { return p.CacheStats() == 0 }, "source cache eviction")
	if _, err := st.GetSource(ctx, src.ID); err != store.ErrNotFound {
		t.Errorf("GetSource() error = %v, want ErrNotFound", err)
	}
	if st.HasBlob(store.SourceRef(src.ID)) {
		t.Error("source bytes should be deleted after a clean batch")
	}
}

func TestPipeline_FailedPageKeepsSourceBytes(t *testing.T) {
	renderer := &fakeRenderer{
		pageCount: 3,
		failPages: map[int]error{2: fmt.Errorf("glyph table corrupt")},
	}
	p, st := newTestPipeline(t, renderer)
	ctx := context.Background()

	src, err := p.Import(ctx, "book.pdf", []byte("%PDF-1.4 fake"))
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	waitFor(t, func() bool { return allSettled(st) }, "all pages settled")
	waitFor(t, func() bool { return p.CacheStats() == 0 }, "source cache eviction")

	pgs, _ := st.ListPages(ctx)
	var failed *pages.Page
	for _, pg := range pgs {
		if pg.PageNum == 2 {
			failed = pg
		}
	}
	if failed == nil || failed.Status != pages.StatusError {
		t.Fatalf("page 2 should be errored, got %+v", failed)
	}
	if len(failed.Logs) == 0 {
		t.Error("failed page should carry a diagnostic log entry")
	}

	// Record cleanup still runs, but the bytes stay for a manual re-render.
	if _, err := st.GetSource(ctx, src.ID); err != store.ErrNotFound {
		t.Errorf("GetSource() error = %v, want ErrNotFound", err)
	}
	if !st.HasBlob(store.SourceRef(src.ID)) {
		t.Error("source bytes should survive a batch with failures")
	}
}

func TestPipeline_DeleteWhileQueuedDoesNotLeakCache(t *testing.T) {
	renderer := &fakeRenderer{pageCount: 2, block: make(chan struct{})}
	p, st := newTestPipeline(t, renderer)
	ctx := context.Background()

	if _, err := p.Import(ctx, "book.pdf", []byte("%PDF-1.4 fake")); err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	// Delete page 2's record while page 1 holds the worker.
	pgs, _ := st.ListPages(ctx)
	var second *pages.Page
	for _, pg := range pgs {
		if pg.PageNum == 2 {
			second = pg
		}
	}
	if err := st.DeletePages(ctx, []string{second.ID}); err != nil {
		t.Fatalf("DeletePages() error: %v", err)
	}
	close(renderer.block)

	// Page 2's task aborts on the missing record but still settles the
	// source, so the cache drains to empty.
	waitFor(t, func() bool { return p.CacheStats() == 0 }, "source cache eviction")
	if got := renderer.renderedPages(); len(got) != 1 || got[0] != 1 {
		t.Errorf("rendered pages = %v, want [1]", got)
	}
}

func TestPipeline_Resume(t *testing.T) {
	renderer := &fakeRenderer{pageCount: 2}
	p, st := newTestPipeline(t, renderer)
	ctx := context.Background()

	// Simulate a prior run that died mid-batch: source bytes persisted, one
	// page still pending, one caught mid-render.
	sourceID := "src-1"
	if err := st.PutBlob(ctx, store.SourceRef(sourceID), []byte("%PDF-1.4 fake")); err != nil {
		t.Fatal(err)
	}
	pending := pages.NewPage("pg-1", sourceID, 1, 1)
	mid := pages.NewPage("pg-2", sourceID, 2, 2)
	mid.Status = pages.StatusRendering
	mid.Progress = 40
	for _, pg := range []*pages.Page{pending, mid} {
		if err := st.PutPage(ctx, pg); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := p.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if stats.Resumed != 2 || stats.Failed != 0 {
		t.Fatalf("Resume() stats = %+v, want 2 resumed, 0 failed", stats)
	}

	waitFor(t, func() bool { return allSettled(st) }, "all pages settled")
	for _, id := range []string{"pg-1", "pg-2"} {
		pg, err := st.GetPage(ctx, id)
		if err != nil {
			t.Fatalf("GetPage(%s) error: %v", id, err)
		}
		if pg.Status != pages.StatusReady {
			t.Errorf("page %s status = %s, want ready", id, pg.Status)
		}
	}
	waitFor(t, func() bool { return p.CacheStats() == 0 }, "source cache eviction")
}

func TestPipeline_ResumeUnresumablePages(t *testing.T) {
	renderer := &fakeRenderer{}
	p, st := newTestPipeline(t, renderer)
	ctx := context.Background()

	// No source linkage at all.
	orphan := pages.NewPage("orphan", "", 1, 1)
	// Linked to a source whose bytes no longer exist.
	goneSource := pages.NewPage("gone-src", "missing-source", 1, 2)
	for _, pg := range []*pages.Page{orphan, goneSource} {
		if err := st.PutPage(ctx, pg); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := p.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if stats.Resumed != 0 || stats.Failed != 2 {
		t.Fatalf("Resume() stats = %+v, want 0 resumed, 2 failed", stats)
	}

	for _, id := range []string{"orphan", "gone-src"} {
		pg, _ := st.GetPage(ctx, id)
		if pg.Status != pages.StatusError {
			t.Errorf("page %s status = %s, want error", id, pg.Status)
		}
		if len(pg.Logs) == 0 {
			t.Errorf("page %s should carry a diagnostic log entry", id)
		}
	}
}

func TestPipeline_ResumeLegacyPageNumber(t *testing.T) {
	renderer := &fakeRenderer{pageCount: 5}
	p, st := newTestPipeline(t, renderer)
	ctx := context.Background()

	sourceID := "src-legacy"
	if err := st.PutBlob(ctx, store.SourceRef(sourceID), []byte("%PDF-1.4 fake")); err != nil {
		t.Fatal(err)
	}
	legacy := pages.NewPage("pg-legacy", sourceID, 0, 1)
	legacy.ImageRef = "pages/page_0004.png"
	if err := st.PutPage(ctx, legacy); err != nil {
		t.Fatal(err)
	}

	stats, err := p.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if stats.Resumed != 1 {
		t.Fatalf("Resume() stats = %+v, want 1 resumed", stats)
	}

	waitFor(t, func() bool { return allSettled(st) }, "page settled")
	if got := renderer.renderedPages(); len(got) != 1 || got[0] != 4 {
		t.Errorf("rendered pages = %v, want [4] from legacy ref", got)
	}
}

func TestPipeline_EmitsBatchEvents(t *testing.T) {
	renderer := &fakeRenderer{pageCount: 2}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemoryStore()
	lane := queue.New(queue.Config{Name: "render"})
	go lane.Start(ctx)
	worker := NewWorker(WorkerConfig{Renderer: renderer})
	worker.Start(ctx)

	bus := events.NewBus(64, nil)
	sub, unsub := bus.Subscribe()
	defer unsub()

	p, err := New(Config{Store: st, Lane: lane, Worker: worker, Bus: bus})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := p.Import(ctx, "book.pdf", []byte("%PDF-1.4 fake")); err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	seen := make(map[events.Type]int)
	deadline := time.After(5 * time.Second)
	for seen[events.TypeBatchCompleted] == 0 {
		select {
		case ev := <-sub:
			seen[ev.Type]++
		case <-deadline:
			t.Fatalf("timed out, events seen: %v", seen)
		}
	}

	if seen[events.TypeBatchStarted] != 1 {
		t.Errorf("batch_started count = %d, want 1", seen[events.TypeBatchStarted])
	}
	if seen[events.TypePageSuccess] != 2 {
		t.Errorf("page_success count = %d, want 2", seen[events.TypePageSuccess])
	}
	if seen[events.TypeBatchProgress] != 2 {
		t.Errorf("batch_progress count = %d, want 2", seen[events.TypeBatchProgress])
	}
}

func TestLegacyPageNum(t *testing.T) {
	cases := []struct {
		ref  string
		want int
		ok   bool
	}{
		{"pages/page_0004.png", 4, true},
		{"page-12.png", 12, true},
		{"pages/abc123.png", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := legacyPageNum(tc.ref)
		if got != tc.want || ok != tc.ok {
			t.Errorf("legacyPageNum(%q) = (%d, %v), want (%d, %v)", tc.ref, got, ok, tc.want, tc.ok)
		}
	}
}
