// Package render converts a document's bytes into an ordered sequence of
// page images. The document is validated and optimized with pdfcpu first,
// then rasterized page by page with MuPDF.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/documentingest/internal/pipeline"
)

const defaultDPI = 200

// FitzRenderer rasterizes PDF pages to PNG at a fixed resolution.
type FitzRenderer struct {
	dpi float64
}

// NewFitz creates a renderer. A non-positive dpi falls back to the default.
func NewFitz(dpi float64) *FitzRenderer {
	if dpi <= 0 {
		dpi = defaultDPI
	}
	return &FitzRenderer{dpi: dpi}
}

// Render produces one PNG per page, in page order starting at 1. It fails
// atomically: on any error no partial page list is returned. The length of
// the result is the document's authoritative page count.
func (r *FitzRenderer) Render(ctx context.Context, doc []byte) ([][]byte, error) {
	optimized, pageCount, err := prepare(doc)
	if err != nil {
		return nil, &pipeline.RenderFailedError{Cause: err}
	}

	fd, err := fitz.NewFromMemory(optimized)
	if err != nil {
		return nil, &pipeline.RenderFailedError{Cause: fmt.Errorf("failed to open document: %w", err)}
	}
	defer fd.Close()

	if fd.NumPage() != pageCount {
		return nil, &pipeline.RenderFailedError{
			Cause: fmt.Errorf("page count mismatch: validator sees %d pages, rasterizer sees %d", pageCount, fd.NumPage()),
		}
	}

	pages := make([][]byte, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := fd.ImageDPI(i, r.dpi)
		if err != nil {
			return nil, &pipeline.RenderFailedError{Cause: fmt.Errorf("failed to rasterize page %d: %w", i+1, err)}
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, &pipeline.RenderFailedError{Cause: fmt.Errorf("failed to encode page %d as PNG: %w", i+1, err)}
		}
		pages = append(pages, buf.Bytes())
	}
	return pages, nil
}

// prepare validates and optimizes the document and determines its page
// count. Relaxed validation tolerates the mildly broken PDFs that are common
// in the wild; truly corrupt input fails here, before any page is produced.
func prepare(doc []byte) ([]byte, int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	var optimized bytes.Buffer
	if err := api.Optimize(bytes.NewReader(doc), &optimized, conf); err != nil {
		return nil, 0, fmt.Errorf("failed to validate/optimize document: %w", err)
	}

	pageCount, err := api.PageCount(bytes.NewReader(optimized.Bytes()), conf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount == 0 {
		return nil, 0, fmt.Errorf("document has no pages")
	}
	return optimized.Bytes(), pageCount, nil
}
