package generate

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/pagemill/pagemill/internal/pages"
)

// genPDF assembles a single-page PDF from the rendered page image.
func (g *Generator) genPDF(ctx context.Context, pg *pages.Page) error {
	if pg.ImageRef == "" {
		return fmt.Errorf("page has no rendered image")
	}
	img, err := g.store.GetBlob(ctx, pg.ImageRef)
	if err != nil {
		return fmt.Errorf("failed to load page image: %w", err)
	}

	var buf bytes.Buffer
	// nil import parameters size the page to the image.
	if err := api.ImportImages(nil, &buf, []io.Reader{bytes.NewReader(img)}, nil, nil); err != nil {
		return fmt.Errorf("pdf assembly: %w", err)
	}

	return g.putOutput(ctx, pg, "pdf", "pdf", buf.Bytes())
}
