package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentingest/internal/models"
)

// PageExtractor processes a single page: read the page image, extract its
// text, persist the artifact, and record the page in the document's text
// map. It is the shared unit behind both extraction transports: the inline
// fan-out and the workflow-invoked HTTP function.
type PageExtractor struct {
	content   ContentStore
	extractor TextExtractor
	meta      MetadataStore
	now       func() time.Time
}

// NewPageExtractor wires the page extraction unit.
func NewPageExtractor(content ContentStore, extractor TextExtractor, meta MetadataStore) *PageExtractor {
	return &PageExtractor{
		content:   content,
		extractor: extractor,
		meta:      meta,
		now:       time.Now,
	}
}

// ExtractPage extracts one 1-based page. A page whose text artifact already
// exists is only re-recorded, never re-extracted. After its own page the
// call runs the fan-in check so the last finisher promotes the document.
func (p *PageExtractor) ExtractPage(ctx context.Context, id models.Identity, page int) error {
	logCtx := slog.With("documentId", id.DocumentID, "recordId", id.RecordID, "page", page)
	textKey := id.PageTextKey(page)

	exists, err := p.content.Exists(ctx, textKey)
	if err != nil {
		return err
	}
	if !exists {
		image, err := p.content.Get(ctx, id.PageImageKey(page))
		if err != nil {
			return err
		}

		text, err := p.extractor.Extract(ctx, image)
		if err != nil {
			return err
		}

		if err := p.content.Put(ctx, textKey, []byte(text)); err != nil {
			return err
		}
		logCtx.Info("Page text extracted and stored.", "key", textKey)
	} else {
		logCtx.Info("Page text already exists. Skipping extraction.", "key", textKey)
	}

	if err := p.meta.SetPageText(ctx, id.RecordID, page, textKey); err != nil {
		return err
	}

	return p.finish(ctx, logCtx, id)
}

// finish promotes the document to TextExtracted once every page in
// 1..pageCount has a recorded text artifact. Pages complete out of order and
// concurrently; the status update is monotonic, so racing finishers are
// harmless.
func (p *PageExtractor) finish(ctx context.Context, logCtx *slog.Logger, id models.Identity) error {
	rec, err := p.meta.Get(ctx, id.RecordID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != models.StatusPagesExtracted || !rec.HasAllPageTexts() {
		return nil
	}

	fields := map[string]any{"textExtractedAt": p.now()}
	if err := p.meta.UpdateStage(ctx, id.RecordID, models.StatusTextExtracted, fields); err != nil {
		return err
	}
	logCtx.Info("All page texts recorded. Document promoted.", "status", models.StatusTextExtracted, "pageCount", rec.PageCount)
	return nil
}
