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

// OpenAIProvider speaks the OpenAI chat completions protocol. Azure and
// OpenRouter reuse it with a different URL and header set.
type OpenAIProvider struct {
	*BaseProvider
	orgID      string
	chatURL    string
	setHeaders func(req *http.Request)
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChatRequest struct {
	Model         string               `json:"model,omitempty"`
	Messages      []openAIMessage      `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func NewOpenAIProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai provider %q: model is required", cfg.Name)
	}

	p := &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", cfg, "https://api.openai.com/v1"),
		orgID:        cfg.Extra["org_id"],
	}
	p.chatURL = strings.TrimSuffix(p.baseURL, "/") + "/chat/completions"
	p.setHeaders = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		// Some API keys don't require an org ID and sending one causes an error
		if p.orgID != "" && p.orgID != "0" && p.orgID != "null" {
			req.Header.Set("OpenAI-Organization", p.orgID)
		}
	}
	return p, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, maxTokens int) (*Completion, error) {
	resp, err := p.post(ctx, openAIChatRequest{
		Model:     p.model,
		Messages:  []openAIMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, FromTransportError(p.name, err)
	}

	var chatResp openAIChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, &Error{Kind: KindServer, Provider: p.name, Message: "malformed response body", Err: err}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &Error{Kind: KindServer, Provider: p.name, Message: "response has no choices"}
	}

	content := chatResp.Choices[0].Message.Content
	completion := &Completion{
		Content:          content,
		Model:            chatResp.Model,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
	}
	if completion.Model == "" {
		completion.Model = p.model
	}
	if completion.PromptTokens == 0 && completion.CompletionTokens == 0 {
		completion.PromptTokens = EstimateTokens(prompt)
		completion.CompletionTokens = EstimateTokens(content)
	}
	return completion, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, prompt string, maxTokens int) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, openAIChatRequest{
		Model:         p.model,
		Messages:      []openAIMessage{{Role: "user", Content: prompt}},
		MaxTokens:     maxTokens,
		Stream:        true,
		StreamOptions: &openAIStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	streamChan := make(chan StreamChunk, 16)

	go func() {
		defer close(streamChan)
		defer func() { _ = resp.Body.Close() }()

		var text strings.Builder
		var usage openAIUsage

		err := readSSEData(resp.Body, func(data string) (bool, error) {
			if data == "[DONE]" {
				return true, nil
			}

			var streamResp openAIStreamResponse
			if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
				// Skip malformed data
				return false, nil
			}
			if streamResp.Usage != nil {
				usage = *streamResp.Usage
			}
			for _, choice := range streamResp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				text.WriteString(choice.Delta.Content)
				if !send(ctx, streamChan, StreamChunk{Content: choice.Delta.Content}) {
					return false, ctx.Err()
				}
			}
			return false, nil
		})
		if err != nil {
			send(ctx, streamChan, StreamChunk{Err: FromTransportError(p.name, err)})
			return
		}

		final := StreamChunk{
			Final:            true,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
		}
		if final.PromptTokens == 0 && final.CompletionTokens == 0 {
			final.PromptTokens = EstimateTokens(prompt)
			final.CompletionTokens = EstimateTokens(text.String())
		}
		send(ctx, streamChan, final)
	}()

	return streamChan, nil
}

// post sends the request and returns the response only when it is a 200.
func (p *OpenAIProvider) post(ctx context.Context, payload openAIChatRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Provider: p.name, Message: "failed to marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Provider: p.name, Message: "failed to create request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	p.setHeaders(req)

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
