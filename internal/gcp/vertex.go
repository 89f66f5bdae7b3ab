package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Extractor Model Prompts ---
const ExtractorSystemPrompt = "You are a document text extractor. Your task is to read a raster image of a single document page and reproduce its textual content faithfully. Accuracy and information preservation are of utmost importance."
const ExtractorUserPrompt = "This image was created from a single page of a PDF document. " +
	"Extract the text from this image into a markdown format that mimics the structure of the original PDF page in the image. " +
	"Provide the extracted text, but no other information. " +
	"For example, do not start with a lead-in like 'This image contains'."

// VertexClient holds the pre-configured generative model for page text
// extraction.
type VertexClient struct {
	ExtractorModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates a new client holding the extraction model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extractorModel := baseClient.GenerativeModel(modelName)
	extractorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	extractorModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}
	extractorModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		ExtractorModel: extractorModel,
		baseClient:     baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
