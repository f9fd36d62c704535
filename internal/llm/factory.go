package llm

import (
	"context"
	"fmt"
)

// Supported providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config selects and configures a provider.
type Config struct {
	Provider      string
	Model         string
	OpenAIKey     string
	OpenAIBaseURL string
	GeminiKey     string
}

// New creates the client for cfg.Provider.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.Model)
	case ProviderGemini:
		return NewGeminiClient(ctx, cfg.GeminiKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q, supported: [%s %s]", cfg.Provider, ProviderOpenAI, ProviderGemini)
	}
}
