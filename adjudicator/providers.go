package adjudicator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"flakeflow/httpx"
)

const (
	openAIURL    = "https://api.openai.com/v1/chat/completions"
	anthropicURL = "https://api.anthropic.com/v1/messages"
)

// FactoryConfig selects and configures a provider.
type FactoryConfig struct {
	Provider     string // "openai" or "anthropic"
	OpenAIKey    string
	AnthropicKey string
	Model        string
	Timeout      time.Duration
	// Endpoint overrides the provider URL.
	Endpoint string
}

// NewProvider returns the configured provider, defaulting to OpenAI.
func NewProvider(cfg FactoryConfig) (Provider, error) {
	switch cfg.Provider {
	case "anthropic", "claude":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("adjudicator: anthropic key required")
		}
		return &anthropicProvider{
			apiKey:     cfg.AnthropicKey,
			endpoint:   valueOrDefault(cfg.Endpoint, anthropicURL),
			model:      valueOrDefault(cfg.Model, "claude-3-5-haiku-latest"),
			httpClient: httpx.NewClient(cfg.Timeout),
		}, nil
	case "", "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("adjudicator: openai key required")
		}
		return &openAIProvider{
			apiKey:     cfg.OpenAIKey,
			endpoint:   valueOrDefault(cfg.Endpoint, openAIURL),
			model:      valueOrDefault(cfg.Model, "gpt-4o-mini"),
			httpClient: httpx.NewClient(cfg.Timeout),
		}, nil
	default:
		return nil, fmt.Errorf("adjudicator: unknown provider %q", cfg.Provider)
	}
}

type openAIProvider struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
}

func (p *openAIProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	reqBody := map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
		"temperature": 0.2,
	}
	body, err := postJSON(ctx, p.httpClient, p.endpoint, reqBody, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &result); err != nil || len(result.Choices) == 0 {
		// Shape problems are a parse concern, not an outage.
		return string(body), nil
	}
	return result.Choices[0].Message.Content, nil
}

type anthropicProvider struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
}

func (p *anthropicProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":       p.model,
		"system":      system,
		"max_tokens":  600,
		"temperature": 0.2,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	body, err := postJSON(ctx, p.httpClient, p.endpoint, reqBody, map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &result); err != nil || len(result.Content) == 0 {
		return string(body), nil
	}
	return result.Content[0].Text, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("adjudicator: marshal request: %w", err)
	}
	status, body, err := httpx.DoWithRetry(ctx, 2, time.Second, func() (int, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return httpx.Send(client, req)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, status)
	}
	return body, nil
}

func valueOrDefault(val, def string) string {
	if val != "" {
		return val
	}
	return def
}
