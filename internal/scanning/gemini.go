package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiModel is a VisionModel backed by Google Gemini
type GeminiModel struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// NewGeminiModel creates a Gemini client for the named model
func NewGeminiModel(ctx context.Context, apiKey string, modelName string) (*GeminiModel, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &GeminiModel{client: client, model: model, name: modelName}, nil
}

func (g *GeminiModel) Name() string {
	return "gemini/" + g.name
}

// Generate sends the PNG page images followed by the prompt
func (g *GeminiModel) Generate(ctx context.Context, prompt string, images [][]byte) (string, error) {
	parts := make([]genai.Part, 0, len(images)+1)
	for _, img := range images {
		// ImageData takes the format suffix, not the full MIME type
		parts = append(parts, genai.ImageData("png", img))
	}
	parts = append(parts, genai.Text(prompt))

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}

func (g *GeminiModel) Close() error {
	return g.client.Close()
}
