package nlu

import (
	"context"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"
)

// GenerateAPI is the subset of the genai models service used here.
type GenerateAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiCompleter completes prompts with Gemini on Vertex AI.
type GeminiCompleter struct {
	api   GenerateAPI
	model string
}

// NewGeminiCompleter creates a Vertex AI backed completer using
// Application Default Credentials.
func NewGeminiCompleter(ctx context.Context, projectID, location, model string) (*GeminiCompleter, error) {
	if projectID == "" {
		return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT not set")
	}
	if location == "" {
		location = "us-central1"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}
	return NewGeminiCompleterWithAPI(client.Models, model), nil
}

// NewGeminiCompleterWithAPI creates a completer over an existing models service.
func NewGeminiCompleterWithAPI(api GenerateAPI, model string) *GeminiCompleter {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiCompleter{api: api, model: model}
}

// Complete implements Completer.
func (g *GeminiCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}}}

	resp, err := g.api.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini: no candidates in response")
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("gemini: no text in response")
	}
	return strings.TrimSpace(sb.String()), nil
}
