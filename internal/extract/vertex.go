package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/documentingest/internal/gcp"
)

// VertexCaller issues one Gemini vision request per page image.
type VertexCaller struct {
	model *genai.GenerativeModel
}

// NewVertexCaller wraps the pre-configured extraction model.
func NewVertexCaller(client *gcp.VertexClient) *VertexCaller {
	return &VertexCaller{model: client.ExtractorModel}
}

// Call sends the page image with the fixed instruction prompt and returns
// the extracted text.
func (v *VertexCaller) Call(ctx context.Context, image []byte) (string, error) {
	imagePart := genai.ImageData("png", image)
	prompt := genai.Text(gcp.ExtractorUserPrompt)

	resp, err := v.model.GenerateContent(ctx, imagePart, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}

	text := extractText(resp)

	// Sanity check for LLM refusal. A refusal must fail the attempt rather
	// than persist as page text.
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return "", fmt.Errorf("gemini response indicates refusal: %q", text)
		}
	}

	if text == "" {
		slog.Warn("No text extracted from response. Treating as empty page.")
	}
	return text, nil
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// extractText parses the model's response and robustly collects its text
// parts.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var content strings.Builder
	var textPartsFound int
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			content.WriteString(string(txt))
			textPartsFound++
		}
	}
	if textPartsFound > 1 {
		slog.Warn("Gemini response contained multiple text parts; they have been concatenated.", "parts", textPartsFound)
	}

	text := strings.TrimSpace(content.String())
	text = strings.TrimPrefix(text, "```markdown")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
