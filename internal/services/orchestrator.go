package services

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentingest/internal/config"
	"github.com/Lllllllleong/documentingest/internal/models"
	"github.com/Lllllllleong/documentingest/internal/pipeline"
)

// The orchestrator depends on its collaborators through small interfaces so
// that the same state machine runs against GCP clients in production and
// in-memory fakes in tests.

// Fetcher downloads and validates a source document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ContentStore persists binary artifacts under hierarchical keys.
type ContentStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// PageRenderer converts document bytes into ordered page images.
type PageRenderer interface {
	Render(ctx context.Context, doc []byte) ([][]byte, error)
}

// TextExtractor returns the text of a single page image.
type TextExtractor interface {
	Extract(ctx context.Context, image []byte) (string, error)
}

// MetadataStore is the durable per-document record.
type MetadataStore interface {
	Get(ctx context.Context, recordID string) (*models.DocumentRecord, error)
	Create(ctx context.Context, recordID string, rec *models.DocumentRecord) error
	UpdateStage(ctx context.Context, recordID, status string, fields map[string]any) error
	SetPageText(ctx context.Context, recordID string, page int, location string) error
}

// WorkflowTrigger hands a rendered document off to the external extraction
// workflow.
type WorkflowTrigger interface {
	Execute(ctx context.Context, payload any) error
}

// Outcome tells the queue transport what to do with the message.
type Outcome int

const (
	// Ack removes the message: the work is durably done, or can never
	// succeed.
	Ack Outcome = iota
	// Retry leaves the message for redelivery after the visibility timeout.
	Retry
)

// uploadConcurrency bounds parallel page-image writes to the content store.
const uploadConcurrency = 10

// OrchestratorConfig selects the extraction transport and its limits.
type OrchestratorConfig struct {
	Mode               string
	ExtractConcurrency int
}

// Orchestrator drives a document through the pipeline stages
// Queued -> Downloaded -> PagesExtracted -> TextExtracted, with Failed
// reachable from any non-terminal state. All stages skip work whose
// artifacts already exist, so redelivered messages at most re-do idempotent
// writes.
type Orchestrator struct {
	fetcher  Fetcher
	content  ContentStore
	renderer PageRenderer
	pages    *PageExtractor
	meta     MetadataStore
	workflow WorkflowTrigger
	cfg      OrchestratorConfig
	now      func() time.Time
}

// NewOrchestrator wires the pipeline stages together. workflow may be nil
// when the mode is inline.
func NewOrchestrator(
	fetcher Fetcher,
	content ContentStore,
	renderer PageRenderer,
	pages *PageExtractor,
	meta MetadataStore,
	workflow WorkflowTrigger,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.Mode == "" {
		cfg.Mode = config.ModeInline
	}
	if cfg.ExtractConcurrency < 1 {
		cfg.ExtractConcurrency = 4
	}
	return &Orchestrator{
		fetcher:  fetcher,
		content:  content,
		renderer: renderer,
		pages:    pages,
		meta:     meta,
		workflow: workflow,
		cfg:      cfg,
		now:      time.Now,
	}
}

// ProcessMessage handles one queue message containing a document URL.
func (o *Orchestrator) ProcessMessage(ctx context.Context, body []byte) Outcome {
	url, err := models.ParseQueueMessage(body)
	if err != nil {
		slog.Error("Discarding unparseable queue message.", "error", err)
		return Ack
	}

	id, err := models.IdentityFromURL(url)
	if err != nil {
		slog.Error("Discarding message with unusable URL.", "url", url, "error", err)
		return Ack
	}

	return o.processDocument(ctx, id)
}

func (o *Orchestrator) processDocument(ctx context.Context, id models.Identity) Outcome {
	logCtx := slog.With("documentId", id.DocumentID, "namespace", id.Namespace, "recordId", id.RecordID)
	logCtx.Info("Processing document.", "sourceUrl", id.SourceURL)

	rec, err := o.meta.Get(ctx, id.RecordID)
	if err != nil {
		logCtx.Error("Failed to load document record.", "error", err)
		return Retry
	}
	if rec == nil {
		rec = &models.DocumentRecord{
			SourceURL:  id.SourceURL,
			Namespace:  id.Namespace,
			DocumentID: id.DocumentID,
			Status:     models.StatusQueued,
			CreatedAt:  o.now(),
		}
		if err := o.meta.Create(ctx, id.RecordID, rec); err != nil {
			logCtx.Error("Failed to create document record.", "error", err)
			return Retry
		}
		logCtx.Info("Created master document record.")
	}

	switch rec.Status {
	case models.StatusFailed:
		logCtx.Info("Document already failed permanently. Discarding message.")
		return Ack
	case models.StatusTextExtracted:
		logCtx.Info("Document already fully processed. Discarding message.")
		return Ack
	}

	if err := o.ensureDownloaded(ctx, logCtx, id, rec); err != nil {
		return o.failureOutcome(ctx, logCtx, id, "download", err)
	}
	if err := o.ensureRendered(ctx, logCtx, id, rec); err != nil {
		return o.failureOutcome(ctx, logCtx, id, "render", err)
	}
	if err := o.ensureExtracted(ctx, logCtx, id, rec); err != nil {
		return o.failureOutcome(ctx, logCtx, id, "extract", err)
	}

	logCtx.Info("Document processing complete.", "status", rec.Status)
	return Ack
}

// failureOutcome records the error against the document and classifies the
// message. Permanent errors flip the record to Failed and remove the message
// to avoid poison-pill looping; transient ones leave both for redelivery.
func (o *Orchestrator) failureOutcome(ctx context.Context, logCtx *slog.Logger, id models.Identity, stage string, err error) Outcome {
	logCtx.Error("Stage failed.", "stage", stage, "error", err)

	if !pipeline.Permanent(err) {
		return Retry
	}

	fields := map[string]any{"errorDetails": err.Error()}
	if updateErr := o.meta.UpdateStage(ctx, id.RecordID, models.StatusFailed, fields); updateErr != nil {
		logCtx.Error("CRITICAL: Failed to mark document as Failed after a permanent error.", "updateError", updateErr)
		return Retry
	}
	return Ack
}

// ensureDownloaded fetches and persists the original document unless the
// artifact is already in the content store. The existence check runs against
// the store itself, not the metadata record: the two can diverge after a
// partial failure.
func (o *Orchestrator) ensureDownloaded(ctx context.Context, logCtx *slog.Logger, id models.Identity, rec *models.DocumentRecord) error {
	key := id.DocumentKey()

	exists, err := o.content.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		data, err := o.fetcher.Fetch(ctx, id.SourceURL)
		if err != nil {
			return err
		}
		if err := o.content.Put(ctx, key, data); err != nil {
			return err
		}
		rec.SizeBytes = int64(len(data))
		logCtx.Info("Document downloaded and stored.", "key", key, "sizeBytes", rec.SizeBytes)
	} else {
		logCtx.Info("Document already in content store. Skipping fetch.", "key", key)
	}

	if models.StatusAtLeast(rec.Status, models.StatusDownloaded) {
		return nil
	}
	fields := map[string]any{
		"storageLocation": key,
		"sizeBytes":       rec.SizeBytes,
		"downloadedAt":    o.now(),
	}
	if err := o.meta.UpdateStage(ctx, id.RecordID, models.StatusDownloaded, fields); err != nil {
		return err
	}
	rec.Status = models.StatusDownloaded
	rec.StorageLocation = key
	return nil
}

// ensureRendered converts the document into page images and persists them.
// The page list and count populate the record atomically: either every page
// is stored and recorded, or the record stays at Downloaded.
func (o *Orchestrator) ensureRendered(ctx context.Context, logCtx *slog.Logger, id models.Identity, rec *models.DocumentRecord) error {
	if models.StatusAtLeast(rec.Status, models.StatusPagesExtracted) {
		logCtx.Info("Pages already extracted. Skipping render.", "pageCount", rec.PageCount)
		return nil
	}

	doc, err := o.content.Get(ctx, id.DocumentKey())
	if err != nil {
		return err
	}

	images, err := o.renderer.Render(ctx, doc)
	if err != nil {
		return err
	}
	pageCount := len(images)
	logCtx.Info("Document rendered.", "pageCount", pageCount)

	locations := make([]string, pageCount)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(uploadConcurrency)
	for i, image := range images {
		page := i + 1
		key := id.PageImageKey(page)
		locations[i] = key
		eg.Go(func() error {
			exists, err := o.content.Exists(gctx, key)
			if err != nil {
				return err
			}
			if exists {
				logCtx.Info("Page image already exists. Skipping upload.", "key", key)
				return nil
			}
			return o.content.Put(gctx, key, image)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	fields := map[string]any{
		"pageCount":        pageCount,
		"pageLocations":    locations,
		"pagesExtractedAt": o.now(),
	}
	if err := o.meta.UpdateStage(ctx, id.RecordID, models.StatusPagesExtracted, fields); err != nil {
		return err
	}
	rec.Status = models.StatusPagesExtracted
	rec.PageCount = pageCount
	rec.PageLocations = locations
	return nil
}

// ensureExtracted runs the per-page text extraction, either inline with a
// bounded worker pool or by handing the page list to the external workflow.
func (o *Orchestrator) ensureExtracted(ctx context.Context, logCtx *slog.Logger, id models.Identity, rec *models.DocumentRecord) error {
	missing := rec.MissingPages()
	if len(missing) == 0 {
		return o.pages.finish(ctx, logCtx, id)
	}

	if o.cfg.Mode == config.ModeWorkflow {
		payload := models.WorkflowPayload{
			RecordID:      id.RecordID,
			Namespace:     id.Namespace,
			DocumentID:    id.DocumentID,
			PageCount:     rec.PageCount,
			PageLocations: rec.PageLocations,
		}
		if err := o.workflow.Execute(ctx, payload); err != nil {
			return err
		}
		logCtx.Info("Hand-off to extraction workflow complete.", "pageCount", rec.PageCount)
		return nil
	}

	logCtx.Info("Starting page text extraction.", "missingPages", len(missing), "concurrency", o.cfg.ExtractConcurrency)

	// Pages are independent: one page's failure must not cancel its
	// siblings, so the group deliberately runs without a shared cancel.
	var eg errgroup.Group
	eg.SetLimit(o.cfg.ExtractConcurrency)
	for _, page := range missing {
		eg.Go(func() error {
			if err := o.pages.ExtractPage(ctx, id, page); err != nil {
				logCtx.Error("Page extraction failed.", "page", page, "error", err)
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		// Completed siblings are already persisted and recorded; the
		// document stays at PagesExtracted and redelivery retries only the
		// missing pages.
		return err
	}

	logCtx.Info("All pages extracted.")
	return nil
}
