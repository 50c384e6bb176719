package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	groqBaseURL = "https://api.groq.com/openai/v1"
	// Gemini is reached through its OpenAI-compatible surface.
	googleBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// NewModel builds the langchaingo model for the given configuration.
func NewModel(cfg *Config) (llms.Model, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm: config is required")
	}
	if cfg.Model == "" && cfg.Provider != ProviderMock {
		return nil, fmt.Errorf("llm: model is required")
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAIModel(cfg, cfg.APIURL)
	case ProviderGroq:
		return newOpenAICompatibleModel(cfg, groqBaseURL)
	case ProviderGoogle:
		return newOpenAICompatibleModel(cfg, googleBaseURL)
	case ProviderAnthropic:
		return newAnthropicModel(cfg)
	case ProviderOllama:
		return newOllamaModel(cfg)
	case ProviderMock:
		return NewMockModel(cfg.Model), nil
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
}

func newOpenAIModel(cfg *Config, baseURL string) (llms.Model, error) {
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	return openai.New(opts...)
}

func newOpenAICompatibleModel(cfg *Config, defaultBaseURL string) (llms.Model, error) {
	baseURL := defaultBaseURL
	if cfg.APIURL != "" {
		baseURL = cfg.APIURL
	}
	return newOpenAIModel(cfg, baseURL)
}

func newAnthropicModel(cfg *Config) (llms.Model, error) {
	opts := []anthropic.Option{anthropic.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, anthropic.WithToken(cfg.APIKey))
	}
	if cfg.APIURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.APIURL))
	}
	return anthropic.New(opts...)
}

func newOllamaModel(cfg *Config) (llms.Model, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.APIURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.APIURL))
	}
	return ollama.New(opts...)
}
