package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

type AnthropicProvider struct {
	*BaseProvider
	version string
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

// anthropicEvent covers the stream event shapes we care about.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicProvider(cfg ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic provider %q: API key is required", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic provider %q: model is required", cfg.Name)
	}

	version := cfg.APIVersion
	if version == "" {
		version = anthropicVersion
	}

	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", cfg, "https://api.anthropic.com"),
		version:      version,
	}, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, prompt string, maxTokens int) (*Completion, error) {
	resp, err := p.post(ctx, p.buildRequest(prompt, maxTokens, false))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, FromTransportError(p.name, err)
	}

	var msg anthropicResponse
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &Error{Kind: KindServer, Provider: p.name, Message: "malformed response body", Err: err}
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	completion := &Completion{
		Content:          text.String(),
		Model:            msg.Model,
		PromptTokens:     msg.Usage.InputTokens,
		CompletionTokens: msg.Usage.OutputTokens,
	}
	if completion.Model == "" {
		completion.Model = p.model
	}
	return completion, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, prompt string, maxTokens int) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, p.buildRequest(prompt, maxTokens, true))
	if err != nil {
		return nil, err
	}

	streamChan := make(chan StreamChunk, 16)

	go func() {
		defer close(streamChan)
		defer func() { _ = resp.Body.Close() }()

		var usage anthropicUsage

		err := readSSEData(resp.Body, func(data string) (bool, error) {
			var event anthropicEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return false, nil
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Text != "" {
					if !send(ctx, streamChan, StreamChunk{Content: event.Delta.Text}) {
						return false, ctx.Err()
					}
				}
			case "message_delta":
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				return true, nil
			case "error":
				return false, p.streamError(event)
			}
			return false, nil
		})
		if err != nil {
			send(ctx, streamChan, StreamChunk{Err: FromTransportError(p.name, err)})
			return
		}

		send(ctx, streamChan, StreamChunk{
			Final:            true,
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
		})
	}()

	return streamChan, nil
}

func (p *AnthropicProvider) buildRequest(prompt string, maxTokens int, stream bool) anthropicRequest {
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return anthropicRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		Stream:    stream,
	}
}

func (p *AnthropicProvider) streamError(event anthropicEvent) *Error {
	e := &Error{Kind: KindServer, Provider: p.name}
	if event.Error != nil {
		e.Message = event.Error.Message
		switch event.Error.Type {
		case "rate_limit_error":
			e.Kind = KindRateLimit
		case "authentication_error", "permission_error":
			e.Kind = KindAuth
		case "invalid_request_error":
			e.Kind = KindValidation
		}
	}
	return e
}

func (p *AnthropicProvider) post(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Provider: p.name, Message: "failed to marshal request", Err: err}
	}

	url := strings.TrimSuffix(p.baseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Provider: p.name, Message: "failed to create request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.version)
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, FromTransportError(p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, FromHTTPResponse(p.name, resp, body)
	}

	return resp, nil
}
