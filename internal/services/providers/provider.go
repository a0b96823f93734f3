package providers

import (
	"context"
	"net/http"
	"time"
)

// Provider is the single capability every upstream adapter exposes to the
// dispatcher. Adapters normalize their failures into *Error so callers never
// inspect vendor-specific shapes.
type Provider interface {
	// Name returns the configured provider name (unique id).
	Name() string

	// Type returns the adapter type, e.g. "openai" or "anthropic".
	Type() string

	// Complete performs a single-shot completion.
	Complete(ctx context.Context, prompt string, maxTokens int) (*Completion, error)

	// Stream opens a streaming completion. A returned error means the
	// connection could not be established. Once the channel is returned,
	// failures arrive as a chunk with Err set, followed by channel close.
	Stream(ctx context.Context, prompt string, maxTokens int) (<-chan StreamChunk, error)
}

// Completion is the result of a single-shot call.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one incremental piece of a streamed completion.
// The last chunk of a healthy stream has Final set and carries the token
// usage reported by the provider (zero when the provider omitted it).
type StreamChunk struct {
	Content          string
	Final            bool
	PromptTokens     int
	CompletionTokens int
	Err              error
}

// BaseProvider carries the fields shared by all HTTP adapters.
type BaseProvider struct {
	name    string
	typ     string
	model   string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewBaseProvider(typ string, cfg ProviderConfig, defaultURL string) *BaseProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &BaseProvider{
		name:    cfg.Name,
		typ:     typ,
		model:   cfg.Model,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		// Per-attempt deadlines come from the caller's context. The client
		// timeout is only a backstop for streams that never finish.
		client: &http.Client{Timeout: 10 * timeout},
	}
}

func (p *BaseProvider) Name() string {
	return p.name
}

func (p *BaseProvider) Type() string {
	return p.typ
}

func (p *BaseProvider) Model() string {
	return p.model
}

// EstimateTokens roughly estimates tokens from text when a provider does not
// report usage: 1 token ≈ 4 characters for English text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
