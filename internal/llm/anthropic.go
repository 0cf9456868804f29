// ABOUTME: Anthropic Messages API provider with SSE streaming
// ABOUTME: The system prompt travels in the top-level system field, not as a message

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/agentdesk/internal/apperr"
)

const defaultAnthropicVersion = "2023-06-01"

var anthropicModels = []string{
	"claude-3-opus-20240229",
	"claude-3-sonnet-20240229",
	"claude-3-haiku-20240307",
	"claude-2.1",
	"claude-2.0",
	"claude-instant-1.2",
}

// AnthropicProvider talks to /v1/messages.
type AnthropicProvider struct {
	name     string
	apiKey   string
	baseURL  string
	version  string
	defaults settings
	client   *http.Client
	logger   *slog.Logger
}

// NewAnthropicProvider creates a provider from its config entry.
func NewAnthropicProvider(name string, cfg ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		name:     name,
		apiKey:   cfg.apiKey(),
		baseURL:  baseURL,
		version:  defaultAnthropicVersion,
		defaults: cfg.settings(),
		client:   newHTTPClient(cfg.timeout()),
		logger:   logger,
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return p.name }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}
}

func (p *AnthropicProvider) buildRequest(pr Prompt, stream bool) ([]byte, error) {
	s := p.defaults.resolve(pr)
	turns := chatTurns(pr)
	msgs := make([]anthropicMessage, len(turns))
	for i, t := range turns {
		msgs[i] = anthropicMessage{Role: t.Role, Content: t.Content}
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       s.model,
		Messages:    msgs,
		System:      pr.System,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (p *AnthropicProvider) checkKey() error {
	if p.apiKey == "" {
		return apperr.Newf(apperr.KindConfiguration, "anthropic", "provider %q has no API key", p.name)
	}
	return nil
}

// GenerateComplete implements Provider.
func (p *AnthropicProvider) GenerateComplete(ctx context.Context, pr Prompt) (string, error) {
	if err := p.checkKey(); err != nil {
		return "", err
	}
	body, err := p.buildRequest(pr, false)
	if err != nil {
		return "", err
	}

	respBody, err := doJSONRequest(ctx, p.client, http.MethodPost, p.baseURL+"/v1/messages", body, p.headers())
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", apperr.Protocol("anthropic", "", respBody, fmt.Errorf("unmarshal response: %w", err))
	}
	var b strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String(), nil
}

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, pr Prompt) (<-chan Chunk, error) {
	if err := p.checkKey(); err != nil {
		return nil, err
	}
	body, err := p.buildRequest(pr, true)
	if err != nil {
		return nil, err
	}

	resp, err := doStreamRequest(ctx, p.client, p.baseURL+"/v1/messages", body, p.headers())
	if err != nil {
		return nil, err
	}
	return parseSSEStream(ctx, resp.Body, func(data []byte) (string, bool, error) {
		var ev anthropicStreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", false, apperr.Protocol("anthropic stream", "", data, err)
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" {
				return ev.Delta.Text, false, nil
			}
		case "message_stop":
			return "", true, nil
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			return "", true, apperr.Transport("anthropic stream", fmt.Errorf("%s", msg))
		}
		return "", false, nil
	}), nil
}

// AvailableModels implements Provider.
func (p *AnthropicProvider) AvailableModels(context.Context) ([]string, error) {
	return append([]string(nil), anthropicModels...), nil
}
