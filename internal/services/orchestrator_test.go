package services_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentingest/internal/config"
	"github.com/Lllllllleong/documentingest/internal/models"
	"github.com/Lllllllleong/documentingest/internal/pipeline"
	"github.com/Lllllllleong/documentingest/internal/services"
)

// --- in-memory fakes ---

type memContent struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	puts    int
}

func newMemContent() *memContent {
	return &memContent{objects: map[string][]byte{}}
}

func (s *memContent) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memContent) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	if _, ok := s.objects[key]; ok {
		return nil
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *memContent) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, &pipeline.StorageError{Op: "get", Key: key, Cause: errors.New("no such object")}
	}
	return data, nil
}

func (s *memContent) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

// memMeta mirrors the Firestore store's semantics: create-if-absent,
// monotonic stage updates, per-page map merges. It also records every
// status transition so tests can assert monotonicity.
type memMeta struct {
	mu      sync.Mutex
	records map[string]*models.DocumentRecord
	history map[string][]string
}

func newMemMeta() *memMeta {
	return &memMeta{
		records: map[string]*models.DocumentRecord{},
		history: map[string][]string{},
	}
}

func (m *memMeta) Get(ctx context.Context, recordID string) (*models.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.PageTexts = map[string]string{}
	for k, v := range rec.PageTexts {
		cp.PageTexts[k] = v
	}
	cp.PageLocations = append([]string(nil), rec.PageLocations...)
	return &cp, nil
}

func (m *memMeta) Create(ctx context.Context, recordID string, rec *models.DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[recordID]; ok {
		return nil
	}
	cp := *rec
	cp.PageTexts = map[string]string{}
	m.records[recordID] = &cp
	m.history[recordID] = append(m.history[recordID], cp.Status)
	return nil
}

func (m *memMeta) UpdateStage(ctx context.Context, recordID, status string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return &pipeline.StorageError{Op: "update", Key: recordID, Cause: errors.New("no such record")}
	}
	if rec.Status != status && !models.StatusAdvances(rec.Status, status) {
		return nil
	}
	rec.Status = status
	m.history[recordID] = append(m.history[recordID], status)
	for k, v := range fields {
		switch k {
		case "storageLocation":
			rec.StorageLocation = v.(string)
		case "sizeBytes":
			rec.SizeBytes = v.(int64)
		case "pageCount":
			rec.PageCount = v.(int)
		case "pageLocations":
			rec.PageLocations = v.([]string)
		case "errorDetails":
			rec.ErrorDetails = v.(string)
		}
	}
	return nil
}

func (m *memMeta) SetPageText(ctx context.Context, recordID string, page int, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return &pipeline.StorageError{Op: "update", Key: recordID, Cause: errors.New("no such record")}
	}
	if rec.PageTexts == nil {
		rec.PageTexts = map[string]string{}
	}
	rec.PageTexts[strconv.Itoa(page)] = location
	return nil
}

func (m *memMeta) record(t *testing.T, recordID string) *models.DocumentRecord {
	t.Helper()
	rec, err := m.Get(context.Background(), recordID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (m *memMeta) assertMonotonic(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, statuses := range m.history {
		for i := 1; i < len(statuses); i++ {
			from, to := statuses[i-1], statuses[i]
			assert.True(t, from == to || models.StatusAdvances(from, to),
				"record %s regressed: %v", id, statuses)
		}
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	pages int
	err   error
	calls int
}

func (r *fakeRenderer) Render(ctx context.Context, doc []byte) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	images := make([][]byte, r.pages)
	for i := range images {
		images[i] = []byte(fmt.Sprintf("png-page-%d", i+1))
	}
	return images, nil
}

// fakeExtractor keys scripted failures by the page image contents produced
// by fakeRenderer.
type fakeExtractor struct {
	mu        sync.Mutex
	failImage map[string]error
	calls     map[string]int
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{failImage: map[string]error{}, calls: map[string]int{}}
}

func (e *fakeExtractor) Extract(ctx context.Context, image []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[string(image)]++
	if err, ok := e.failImage[string(image)]; ok {
		return "", err
	}
	return "text of " + string(image), nil
}

type fakeWorkflow struct {
	mu       sync.Mutex
	payloads []models.WorkflowPayload
}

func (w *fakeWorkflow) Execute(ctx context.Context, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads = append(w.payloads, payload.(models.WorkflowPayload))
	return nil
}

// --- harness ---

type harness struct {
	fetcher   *fakeFetcher
	content   *memContent
	renderer  *fakeRenderer
	extractor *fakeExtractor
	meta      *memMeta
	workflow  *fakeWorkflow
	orch      *services.Orchestrator
}

func newHarness(t *testing.T, pages int, mode string) *harness {
	t.Helper()
	h := &harness{
		fetcher:   &fakeFetcher{data: []byte("%PDF-1.4 test")},
		content:   newMemContent(),
		renderer:  &fakeRenderer{pages: pages},
		extractor: newFakeExtractor(),
		meta:      newMemMeta(),
		workflow:  &fakeWorkflow{},
	}
	pageSvc := services.NewPageExtractor(h.content, h.extractor, h.meta)
	h.orch = services.NewOrchestrator(
		h.fetcher, h.content, h.renderer, pageSvc, h.meta, h.workflow,
		services.OrchestratorConfig{Mode: mode, ExtractConcurrency: 3},
	)
	return h
}

const reportURL = "https://example.com/docs/report.pdf"

func reportID(t *testing.T) models.Identity {
	t.Helper()
	id, err := models.IdentityFromURL(reportURL)
	require.NoError(t, err)
	return id
}

// --- tests ---

func TestProcessMessageHappyPath(t *testing.T) {
	h := newHarness(t, 3, config.ModeInline)
	id := reportID(t)

	outcome := h.orch.ProcessMessage(context.Background(), []byte(reportURL))
	assert.Equal(t, services.Ack, outcome)

	assert.ElementsMatch(t, []string{
		"example_com/report/report.pdf",
		"example_com/report/page-1.png",
		"example_com/report/page-2.png",
		"example_com/report/page-3.png",
		"example_com/report/page-1.txt",
		"example_com/report/page-2.txt",
		"example_com/report/page-3.txt",
	}, h.content.keys())

	rec := h.meta.record(t, id.RecordID)
	assert.Equal(t, models.StatusTextExtracted, rec.Status)
	assert.Equal(t, 3, rec.PageCount)
	assert.Len(t, rec.PageLocations, 3)
	assert.Len(t, rec.PageTexts, 3)
	assert.Equal(t, reportURL, rec.SourceURL)
	assert.Equal(t, int64(len("%PDF-1.4 test")), rec.SizeBytes)
	h.meta.assertMonotonic(t)
}

func TestProcessMessageJSONEnvelope(t *testing.T) {
	h := newHarness(t, 1, config.ModeInline)
	id := reportID(t)

	body := []byte(`{"url":"` + reportURL + `"}`)
	assert.Equal(t, services.Ack, h.orch.ProcessMessage(context.Background(), body))
	assert.Equal(t, models.StatusTextExtracted, h.meta.record(t, id.RecordID).Status)
}

func TestDoubleDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, 3, config.ModeInline)
	id := reportID(t)

	assert.Equal(t, services.Ack, h.orch.ProcessMessage(context.Background(), []byte(reportURL)))
	firstKeys := h.content.keys()
	firstPuts := h.content.puts

	assert.Equal(t, services.Ack, h.orch.ProcessMessage(context.Background(), []byte(reportURL)))

	assert.Equal(t, 1, h.fetcher.calls, "fetch must not repeat")
	assert.Equal(t, 1, h.renderer.calls, "render must not repeat")
	assert.Equal(t, firstPuts, h.content.puts, "no new writes on redelivery")
	assert.ElementsMatch(t, firstKeys, h.content.keys())

	rec := h.meta.record(t, id.RecordID)
	assert.Equal(t, models.StatusTextExtracted, rec.Status)
	h.meta.assertMonotonic(t)
}

func TestPartialExtractionFailureKeepsSiblings(t *testing.T) {
	h := newHarness(t, 5, config.ModeInline)
	id := reportID(t)
	h.extractor.failImage["png-page-3"] = errors.New("vision model down")

	outcome := h.orch.ProcessMessage(context.Background(), []byte(reportURL))
	assert.Equal(t, services.Retry, outcome, "document must stay on the queue")

	rec := h.meta.record(t, id.RecordID)
	assert.Equal(t, models.StatusPagesExtracted, rec.Status)
	assert.Equal(t, []int{3}, rec.MissingPages())

	// Siblings of the failed page are durably done.
	for _, page := range []int{1, 2, 4, 5} {
		exists, err := h.content.Exists(context.Background(), id.PageTextKey(page))
		require.NoError(t, err)
		assert.True(t, exists, "page %d text must be persisted", page)
	}

	// Redelivery after the outage clears retries only the missing page.
	delete(h.extractor.failImage, "png-page-3")
	outcome = h.orch.ProcessMessage(context.Background(), []byte(reportURL))
	assert.Equal(t, services.Ack, outcome)

	assert.Equal(t, 1, h.fetcher.calls)
	assert.Equal(t, 1, h.renderer.calls)
	for page, calls := range map[string]int{
		"png-page-1": 1, "png-page-2": 1, "png-page-4": 1, "png-page-5": 1,
		"png-page-3": 2,
	} {
		assert.Equal(t, calls, h.extractor.calls[page], "extraction calls for %s", page)
	}

	rec = h.meta.record(t, id.RecordID)
	assert.Equal(t, models.StatusTextExtracted, rec.Status)
	assert.True(t, rec.HasAllPageTexts())
	h.meta.assertMonotonic(t)
}

func TestPermanentFetchFailureMarksFailedAndAcks(t *testing.T) {
	h := newHarness(t, 3, config.ModeInline)
	id := reportID(t)
	h.fetcher.err = &pipeline.FetchFailedError{URL: reportURL, Status: 404}

	outcome := h.orch.ProcessMessage(context.Background(), []byte(reportURL))
	assert.Equal(t, services.Ack, outcome, "poison message must be removed")

	rec := h.meta.record(t, id.RecordID)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorDetails, "404")

	// Redelivery of an already-failed document is discarded outright.
	outcome = h.orch.ProcessMessage(context.Background(), []byte(reportURL))
	assert.Equal(t, services.Ack, outcome)
	assert.Equal(t, 1, h.fetcher.calls)
}

func TestTransientFetchFailureLeavesMessage(t *testing.T) {
	h := newHarness(t, 3, config.ModeInline)
	id := reportID(t)
	h.fetcher.err = &pipeline.FetchFailedError{URL: reportURL, Status: 503}

	outcome := h.orch.ProcessMessage(context.Background(), []byte(reportURL))
	assert.Equal(t, services.Retry, outcome)

	rec := h.meta.record(t, id.RecordID)
	assert.NotEqual(t, models.StatusFailed, rec.Status, "transient failures must not poison the record")

	// The outage clears; the redelivered message completes the document.
	h.fetcher.err = nil
	assert.Equal(t, services.Ack, h.orch.ProcessMessage(context.Background(), []byte(reportURL)))
	assert.Equal(t, models.StatusTextExtracted, h.meta.record(t, id.RecordID).Status)
}

func TestCorruptDocumentMarksFailed(t *testing.T) {
	h := newHarness(t, 0, config.ModeInline)
	id := reportID(t)
	h.renderer.err = &pipeline.RenderFailedError{Cause: errors.New("malformed xref")}

	outcome := h.orch.ProcessMessage(context.Background(), []byte(reportURL))
	assert.Equal(t, services.Ack, outcome)
	assert.Equal(t, models.StatusFailed, h.meta.record(t, id.RecordID).Status)
}

func TestStorageOutageAbortsWithoutAck(t *testing.T) {
	h := newHarness(t, 3, config.ModeInline)
	h.content.putErr = &pipeline.StorageError{Op: "put", Key: "k", Cause: errors.New("unavailable")}

	outcome := h.orch.ProcessMessage(context.Background(), []byte(reportURL))
	assert.Equal(t, services.Retry, outcome)
	h.meta.assertMonotonic(t)
}

func TestUnparseableMessageIsDiscarded(t *testing.T) {
	h := newHarness(t, 3, config.ModeInline)

	assert.Equal(t, services.Ack, h.orch.ProcessMessage(context.Background(), []byte("   ")))
	assert.Equal(t, services.Ack, h.orch.ProcessMessage(context.Background(), []byte(`{"other":1}`)))
	assert.Zero(t, h.fetcher.calls)
}

func TestWorkflowModeHandsOffAfterRender(t *testing.T) {
	h := newHarness(t, 3, config.ModeWorkflow)
	id := reportID(t)

	outcome := h.orch.ProcessMessage(context.Background(), []byte(reportURL))
	assert.Equal(t, services.Ack, outcome)

	// Rendered but not extracted inline.
	rec := h.meta.record(t, id.RecordID)
	assert.Equal(t, models.StatusPagesExtracted, rec.Status)
	assert.Empty(t, h.extractor.calls)

	require.Len(t, h.workflow.payloads, 1)
	payload := h.workflow.payloads[0]
	assert.Equal(t, id.RecordID, payload.RecordID)
	assert.Equal(t, "report", payload.DocumentID)
	assert.Equal(t, 3, payload.PageCount)
	assert.Len(t, payload.PageLocations, 3)
}

func TestPageExtractorFanInPromotesDocument(t *testing.T) {
	h := newHarness(t, 2, config.ModeWorkflow)
	id := reportID(t)
	pageSvc := services.NewPageExtractor(h.content, h.extractor, h.meta)

	require.Equal(t, services.Ack, h.orch.ProcessMessage(context.Background(), []byte(reportURL)))

	// The workflow calls the page extractor once per page, out of order.
	require.NoError(t, pageSvc.ExtractPage(context.Background(), id, 2))
	assert.Equal(t, models.StatusPagesExtracted, h.meta.record(t, id.RecordID).Status)

	require.NoError(t, pageSvc.ExtractPage(context.Background(), id, 1))
	rec := h.meta.record(t, id.RecordID)
	assert.Equal(t, models.StatusTextExtracted, rec.Status)
	assert.True(t, rec.HasAllPageTexts())

	// A workflow retry of an already-extracted page is a no-op.
	calls := h.extractor.calls["png-page-2"]
	require.NoError(t, pageSvc.ExtractPage(context.Background(), id, 2))
	assert.Equal(t, calls, h.extractor.calls["png-page-2"])
	h.meta.assertMonotonic(t)
}
