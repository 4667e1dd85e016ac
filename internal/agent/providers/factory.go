package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/fingate/internal/agent"
)

// Config selects and configures one model provider.
type Config struct {
	// Provider is "google", "anthropic" or "openai".
	Provider   string
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// New builds the provider named in cfg.
func New(cfg Config) (agent.LLMProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "google", "gemini":
		p, err := NewGoogleProvider(GoogleConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "anthropic", "claude":
		p, err := NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := NewOpenAIProvider(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
