package providers

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NewAzureProvider builds an adapter for an Azure OpenAI deployment. The
// deployment defaults to the model name.
func NewAzureProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("azure provider %q: endpoint URL is required", cfg.Name)
	}

	deployment := cfg.Extra["deployment"]
	if deployment == "" {
		deployment = cfg.Model
	}
	if deployment == "" {
		return nil, fmt.Errorf("azure provider %q: deployment or model is required", cfg.Name)
	}

	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = "2024-02-01"
	}

	p := &OpenAIProvider{
		BaseProvider: NewBaseProvider("azure", cfg, ""),
	}
	// Azure routes by deployment; the body model field is ignored.
	p.model = ""
	p.chatURL = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimSuffix(p.baseURL, "/"), url.PathEscape(deployment), url.QueryEscape(apiVersion))
	p.setHeaders = func(req *http.Request) {
		req.Header.Set("api-key", p.apiKey)
	}
	return p, nil
}
