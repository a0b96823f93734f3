package providers

import "time"

// ProviderConfig contains what an adapter needs to reach its upstream.
type ProviderConfig struct {
	Name       string
	Type       string
	APIKey     string
	BaseURL    string
	APIVersion string
	Model      string
	Timeout    time.Duration
	Extra      map[string]string // Provider-specific settings (e.g. azure deployment, openrouter referer)
}
