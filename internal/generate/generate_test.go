package generate

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/pagemill/pagemill/internal/events"
	"github.com/pagemill/pagemill/internal/pages"
	"github.com/pagemill/pagemill/internal/store"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestGenerator(t *testing.T) (*Generator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	g, err := New(Config{Store: st, Bus: events.NewBus(0, nil)})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return g, st
}

func seedRecognizedPage(t *testing.T, st *store.MemoryStore, id, text string) *pages.Page {
	t.Helper()
	ctx := context.Background()
	pg := pages.NewPage(id, "src", 1, 1)
	pg.Status = pages.StatusPendingGen
	pg.Text = text
	pg.ImageRef = store.PageImageRef(id)
	if err := st.PutBlob(ctx, pg.ImageRef, testPNG(t)); err != nil {
		t.Fatal(err)
	}
	if err := st.PutPage(ctx, pg); err != nil {
		t.Fatal(err)
	}
	return pg
}

func TestGenerator_RunProducesAllArtifacts(t *testing.T) {
	g, st := newTestGenerator(t)
	ctx := context.Background()
	seedRecognizedPage(t, st, "pg-1", "# Heading\n\nBody text.")

	if err := g.Run(ctx, "pg-1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	pg, err := st.GetPage(ctx, "pg-1")
	if err != nil {
		t.Fatal(err)
	}
	if pg.Status != pages.StatusCompleted {
		t.Errorf("status = %s, want completed", pg.Status)
	}
	if pg.Progress != 100 {
		t.Errorf("progress = %d, want 100", pg.Progress)
	}
	if pg.ProcessedAt == nil {
		t.Error("ProcessedAt should be set on completion")
	}

	wantFormats := []string{"markdown", "html", "pdf", "docx"}
	if len(pg.Outputs) != len(wantFormats) {
		t.Fatalf("got %d outputs, want %d: %+v", len(pg.Outputs), len(wantFormats), pg.Outputs)
	}
	for _, format := range wantFormats {
		found := false
		for _, out := range pg.Outputs {
			if out.Format == format {
				found = true
				if !st.HasBlob(out.Ref) {
					t.Errorf("%s artifact blob %s missing", format, out.Ref)
				}
			}
		}
		if !found {
			t.Errorf("no %s output recorded", format)
		}
	}

	html, err := st.GetBlob(ctx, store.OutputRef("pg-1", "html"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(html), "<h1") {
		t.Errorf("html preview missing heading, got: %s", html)
	}

	pdf, err := st.GetBlob(ctx, store.OutputRef("pg-1", "pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		t.Error("pdf artifact missing PDF header")
	}
}

func TestGenerator_RerunReplacesArtifacts(t *testing.T) {
	g, st := newTestGenerator(t)
	ctx := context.Background()
	seedRecognizedPage(t, st, "pg-1", "first pass")

	if err := g.Run(ctx, "pg-1"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// Re-recognition path: page goes back through generation with new text.
	pg, _ := st.GetPage(ctx, "pg-1")
	pg.Status = pages.StatusPendingGen
	pg.Text = "second pass"
	if err := st.PutPage(ctx, pg); err != nil {
		t.Fatal(err)
	}
	if err := g.Run(ctx, "pg-1"); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	pg, _ = st.GetPage(ctx, "pg-1")
	if len(pg.Outputs) != 4 {
		t.Errorf("outputs duplicated on rerun: %+v", pg.Outputs)
	}
	md, _ := st.GetBlob(ctx, store.OutputRef("pg-1", "md"))
	if string(md) != "second pass" {
		t.Errorf("markdown artifact = %q, want %q", md, "second pass")
	}
}

func TestGenerator_MissingImageFailsPage(t *testing.T) {
	g, st := newTestGenerator(t)
	ctx := context.Background()

	pg := pages.NewPage("pg-1", "src", 1, 1)
	pg.Status = pages.StatusPendingGen
	pg.Text = "text without a rendered image"
	if err := st.PutPage(ctx, pg); err != nil {
		t.Fatal(err)
	}

	if err := g.Run(ctx, "pg-1"); err == nil {
		t.Fatal("expected Run() to fail without an image")
	}

	pg, _ = st.GetPage(ctx, "pg-1")
	if pg.Status != pages.StatusError {
		t.Errorf("status = %s, want error", pg.Status)
	}
	if len(pg.Logs) == 0 {
		t.Error("failed page should carry a diagnostic log entry")
	}
	// The markdown stage ran before the failure; its artifacts survive.
	if !st.HasBlob(store.OutputRef("pg-1", "md")) {
		t.Error("markdown artifact should exist from the completed stage")
	}
}

func TestGenerator_NoTextFailsPage(t *testing.T) {
	g, st := newTestGenerator(t)
	ctx := context.Background()

	pg := pages.NewPage("pg-1", "src", 1, 1)
	pg.Status = pages.StatusPendingGen
	if err := st.PutPage(ctx, pg); err != nil {
		t.Fatal(err)
	}

	if err := g.Run(ctx, "pg-1"); err == nil {
		t.Fatal("expected Run() to fail without text")
	}
	pg, _ = st.GetPage(ctx, "pg-1")
	if pg.Status != pages.StatusError {
		t.Errorf("status = %s, want error", pg.Status)
	}
}

func TestGenerator_DeletedPageAbortsSilently(t *testing.T) {
	g, _ := newTestGenerator(t)
	if err := g.Run(context.Background(), "never-existed"); err != nil {
		t.Errorf("Run() on missing page should be a no-op, got %v", err)
	}
}

func TestBuildDocx(t *testing.T) {
	data, err := buildDocx("line one\nsecond <line> & more")
	if err != nil {
		t.Fatalf("buildDocx() error: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("docx is not a valid zip: %v", err)
	}

	var doc string
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				t.Fatal(err)
			}
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(rc); err != nil {
				t.Fatal(err)
			}
			rc.Close()
			doc = buf.String()
		}
	}

	for _, want := range []string{"[Content_Types].xml", "_rels/.rels", "word/document.xml"} {
		if !names[want] {
			t.Errorf("docx missing part %s", want)
		}
	}
	if !strings.Contains(doc, "line one") {
		t.Error("document.xml missing first paragraph")
	}
	if !strings.Contains(doc, "second &lt;line&gt; &amp; more") {
		t.Errorf("document.xml should escape markup, got: %s", doc)
	}
}
