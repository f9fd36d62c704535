package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a client for the Gemini developer API.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required for the gemini provider")
	}
	if model == "" {
		model = "gemini-2.5-flash"
		slog.Warn("LLM_MODEL not set, defaulting", "model", model)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	slog.Info("Initializing Gemini client", "model", model)
	return &GeminiClient{client: client, model: model}, nil
}

// Complete implements Client.
func (g *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", transportErr("gemini", err)
	}
	text := resp.Text()
	if text == "" {
		return "", transportErr("gemini", errors.New("empty response"))
	}
	return text, nil
}

// Name implements Client.
func (g *GeminiClient) Name() string { return "gemini:" + g.model }
