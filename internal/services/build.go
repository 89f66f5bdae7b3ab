package services

import (
	"context"
	"fmt"

	"github.com/Lllllllleong/documentingest/internal/config"
	"github.com/Lllllllleong/documentingest/internal/extract"
	"github.com/Lllllllleong/documentingest/internal/fetch"
	"github.com/Lllllllleong/documentingest/internal/gcp"
	"github.com/Lllllllleong/documentingest/internal/metadata"
	"github.com/Lllllllleong/documentingest/internal/render"
	"github.com/Lllllllleong/documentingest/internal/store"
)

// Build constructs the orchestrator and its GCP-backed collaborators from
// configuration. The returned cleanup closes the underlying clients.
func Build(ctx context.Context, cfg *config.Config) (*Orchestrator, func(), error) {
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	meta := metadata.NewFirestore(firestoreClient, cfg.Firestore.Collection)

	content, err := store.NewGCS(ctx, cfg.ContentBucket)
	if err != nil {
		firestoreClient.Close()
		return nil, nil, err
	}

	vertexClient, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.Vertex.Region, cfg.Vertex.Model)
	if err != nil {
		firestoreClient.Close()
		return nil, nil, err
	}
	extractor := extract.New(extract.NewVertexCaller(vertexClient), cfg.Extraction.RatePerSecond)
	pages := NewPageExtractor(content, extractor, meta)

	var workflow WorkflowTrigger
	var workflowTrigger *gcp.WorkflowTrigger
	if cfg.Extraction.Mode == config.ModeWorkflow {
		workflowTrigger, err = gcp.NewWorkflowTrigger(ctx, cfg.ProjectID, cfg.Workflow.Location, cfg.Workflow.ID)
		if err != nil {
			firestoreClient.Close()
			vertexClient.Close()
			return nil, nil, fmt.Errorf("workflow mode requires a reachable Workflows API: %w", err)
		}
		workflow = workflowTrigger
	}

	orch := NewOrchestrator(
		fetch.New(cfg.FetchTimeout()),
		content,
		render.NewFitz(cfg.Render.DPI),
		pages,
		meta,
		workflow,
		OrchestratorConfig{
			Mode:               cfg.Extraction.Mode,
			ExtractConcurrency: cfg.Extraction.Concurrency,
		},
	)

	cleanup := func() {
		firestoreClient.Close()
		vertexClient.Close()
		if workflowTrigger != nil {
			workflowTrigger.Close()
		}
	}
	return orch, cleanup, nil
}

// BuildPageExtractor constructs just the single-page extraction service used
// by the workflow-invoked HTTP function.
func BuildPageExtractor(ctx context.Context, cfg *config.Config) (*PageExtractor, func(), error) {
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	meta := metadata.NewFirestore(firestoreClient, cfg.Firestore.Collection)

	content, err := store.NewGCS(ctx, cfg.ContentBucket)
	if err != nil {
		firestoreClient.Close()
		return nil, nil, err
	}

	vertexClient, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.Vertex.Region, cfg.Vertex.Model)
	if err != nil {
		firestoreClient.Close()
		return nil, nil, err
	}
	extractor := extract.New(extract.NewVertexCaller(vertexClient), cfg.Extraction.RatePerSecond)

	cleanup := func() {
		firestoreClient.Close()
		vertexClient.Close()
	}
	return NewPageExtractor(content, extractor, meta), cleanup, nil
}
