package providers

import (
	"fmt"
	"net/http"
	"strings"
)

// NewOpenRouterProvider builds an OpenAI-compatible adapter with the
// attribution headers OpenRouter expects.
func NewOpenRouterProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter provider %q: API key is required", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openrouter provider %q: model is required", cfg.Name)
	}

	httpReferer := cfg.Extra["http_referer"]
	if httpReferer == "" {
		httpReferer = "http://localhost:8080"
	}
	xTitle := cfg.Extra["x_title"]

	p := &OpenAIProvider{
		BaseProvider: NewBaseProvider("openrouter", cfg, "https://openrouter.ai/api/v1"),
	}
	p.chatURL = strings.TrimSuffix(p.baseURL, "/") + "/chat/completions"
	p.setHeaders = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("HTTP-Referer", httpReferer)
		if xTitle != "" {
			req.Header.Set("X-Title", xTitle)
		}
	}
	return p, nil
}
