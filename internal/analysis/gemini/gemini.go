// Package gemini backs analysis.Model with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// Config holds generation parameters.
type Config struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int32
}

// DefaultConfig returns the tuned generation parameters.
func DefaultConfig() Config {
	return Config{
		Model:           DefaultModel,
		Temperature:     0.3,
		TopP:            0.8,
		TopK:            40,
		MaxOutputTokens: 200,
	}
}

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Model implements analysis.Model.
type Model struct {
	models generator
	cfg    Config
}

// New connects to the Gemini API.
func New(ctx context.Context, cfg Config) (*Model, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newModel(client.Models, cfg), nil
}

func newModel(models generator, cfg Config) *Model {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Model{models: models, cfg: cfg}
}

func (m *Model) generationConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(m.cfg.Temperature),
		TopP:             genai.Ptr(m.cfg.TopP),
		TopK:             genai.Ptr(m.cfg.TopK),
		MaxOutputTokens:  m.cfg.MaxOutputTokens,
		ResponseMIMEType: "application/json",
	}
}

// Generate returns the concatenated text parts of the first candidate.
func (m *Model) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := m.models.GenerateContent(ctx, m.cfg.Model, genai.Text(prompt), m.generationConfig())
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}
