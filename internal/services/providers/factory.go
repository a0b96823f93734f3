package providers

import "fmt"

// NewProvider creates an adapter for the configured provider type.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "openai", "openai-compatible":
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "azure":
		return NewAzureProvider(cfg)
	case "openrouter":
		return NewOpenRouterProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider type %q for provider %q", cfg.Type, cfg.Name)
	}
}
