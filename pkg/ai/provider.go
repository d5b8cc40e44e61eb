package ai

import (
	"fmt"
	"strings"
)

// ProviderConfig selects and configures a completion provider.
type ProviderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// NewCompleter builds the Completer named by cfg.Provider.
func NewCompleter(cfg ProviderConfig) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "endpoint":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("endpoint provider requires baseURL")
		}
		return NewEndpointCompleter(cfg.BaseURL, cfg.APIKey), nil
	case "openai", "openai-compat", "openai_compat":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("openai provider requires model")
		}
		return NewOpenAICompleter(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "ollama":
		if strings.TrimSpace(cfg.Model) == "" {
			return nil, fmt.Errorf("ollama provider requires model")
		}
		return NewOllamaCompleter(cfg.BaseURL, cfg.Model), nil
	case "gemini":
		c, err := NewGeminiCompleter(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
			c.baseURL = base
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}
