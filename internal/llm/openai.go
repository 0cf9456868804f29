// ABOUTME: OpenAI chat completions provider, also usable for OpenAI-compatible endpoints via base_url
// ABOUTME: Streams with SSE and lists models from /v1/models with a static fallback

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

var openAIModels = []string{"gpt-4o", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo"}

// OpenAIProvider talks to the chat completions API.
type OpenAIProvider struct {
	name     string
	apiKey   string
	baseURL  string
	defaults settings
	client   *http.Client
	logger   *slog.Logger
}

// NewOpenAIProvider creates a provider from its config entry.
func NewOpenAIProvider(name string, cfg ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIProvider{
		name:     name,
		apiKey:   cfg.apiKey(),
		baseURL:  baseURL,
		defaults: cfg.settings(),
		client:   newHTTPClient(cfg.timeout()),
		logger:   logger,
	}
}

var _ ToolCaller = (*OpenAIProvider)(nil)

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

// openAIFunctionCall carries arguments as a JSON encoded string.
type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *OpenAIProvider) checkKey() error {
	if p.apiKey == "" {
		return apperr.Newf(apperr.KindConfiguration, "openai", "provider %q has no API key", p.name)
	}
	return nil
}

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *OpenAIProvider) buildRequest(pr Prompt, stream bool) ([]byte, settings, error) {
	s := p.defaults.resolve(pr)
	msgs := make([]openAIMessage, 0, len(pr.History)+2)
	if pr.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: pr.System})
	}
	for _, t := range chatTurns(pr) {
		msgs = append(msgs, openAIMessage{Role: t.Role, Content: t.Content})
	}
	body, err := json.Marshal(openAIRequest{
		Model:       s.model,
		Messages:    msgs,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, s, fmt.Errorf("marshal request: %w", err)
	}
	return body, s, nil
}

// GenerateComplete implements Provider.
func (p *OpenAIProvider) GenerateComplete(ctx context.Context, pr Prompt) (string, error) {
	if err := p.checkKey(); err != nil {
		return "", err
	}
	body, s, err := p.buildRequest(pr, false)
	if err != nil {
		return "", err
	}

	respBody, err := doJSONRequest(ctx, p.client, http.MethodPost, p.baseURL+"/v1/chat/completions", body, p.headers())
	if err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", apperr.Protocol("openai", "", respBody, fmt.Errorf("unmarshal response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Protocol("openai", "", respBody, fmt.Errorf("response has no choices"))
	}
	p.logger.Debug("llm completion finished", "model", s.model)
	return resp.Choices[0].Message.Content, nil
}

// CompleteWithTools implements ToolCaller. Tool turns in the history are sent
// as assistant tool_calls and role "tool" messages.
func (p *OpenAIProvider) CompleteWithTools(ctx context.Context, pr Prompt, tools []ToolSpec) (Completion, error) {
	if err := p.checkKey(); err != nil {
		return Completion{}, err
	}
	s := p.defaults.resolve(pr)
	req := openAIRequest{
		Model:       s.model,
		Messages:    toolMessages(pr),
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, http.MethodPost, p.baseURL+"/v1/chat/completions", body, p.headers())
	if err != nil {
		return Completion{}, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Completion{}, apperr.Protocol("openai", "", respBody, fmt.Errorf("unmarshal response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Completion{}, apperr.Protocol("openai", "", respBody, fmt.Errorf("response has no choices"))
	}

	msg := resp.Choices[0].Message
	out := Completion{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if strings.TrimSpace(tc.Function.Arguments) == "" {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	p.logger.Debug("llm tool completion finished", "model", s.model, "tool_calls", len(out.ToolCalls))
	return out, nil
}

// toolMessages keeps tool turns that chatTurns would flatten. The new user
// text is appended only when set, since later rounds carry it in History.
func toolMessages(pr Prompt) []openAIMessage {
	msgs := make([]openAIMessage, 0, len(pr.History)+2)
	if pr.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: pr.System})
	}
	for _, t := range pr.History {
		switch {
		case t.Role == "tool":
			msgs = append(msgs, openAIMessage{Role: "tool", Content: t.Content, ToolCallID: t.ToolCallID})
		case len(t.ToolCalls) > 0:
			m := openAIMessage{Role: "assistant", Content: t.Content}
			for _, c := range t.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openAIToolCall{
					ID:       c.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: c.Name, Arguments: string(c.Arguments)},
				})
			}
			msgs = append(msgs, m)
		case t.Content == "":
		case t.Role == "assistant":
			msgs = append(msgs, openAIMessage{Role: "assistant", Content: t.Content})
		default:
			msgs = append(msgs, openAIMessage{Role: "user", Content: t.Content})
		}
	}
	if pr.Text != "" {
		msgs = append(msgs, openAIMessage{Role: "user", Content: pr.Text})
	}
	return msgs
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, pr Prompt) (<-chan Chunk, error) {
	if err := p.checkKey(); err != nil {
		return nil, err
	}
	body, _, err := p.buildRequest(pr, true)
	if err != nil {
		return nil, err
	}

	resp, err := doStreamRequest(ctx, p.client, p.baseURL+"/v1/chat/completions", body, p.headers())
	if err != nil {
		return nil, err
	}
	return parseSSEStream(ctx, resp.Body, func(data []byte) (string, bool, error) {
		var c openAIStreamChunk
		if err := json.Unmarshal(data, &c); err != nil {
			return "", false, apperr.Protocol("openai stream", "", data, err)
		}
		if len(c.Choices) == 0 {
			return "", false, nil
		}
		return c.Choices[0].Delta.Content, c.Choices[0].FinishReason != nil, nil
	}), nil
}

// AvailableModels implements Provider. Without credentials or on any listing
// failure the static list is returned.
func (p *OpenAIProvider) AvailableModels(ctx context.Context) ([]string, error) {
	if p.apiKey == "" {
		return append([]string(nil), openAIModels...), nil
	}
	respBody, err := doJSONRequest(ctx, p.client, http.MethodGet, p.baseURL+"/v1/models", nil, p.headers())
	if err != nil {
		p.logger.Debug("model listing failed, using static list", "error", err)
		return append([]string(nil), openAIModels...), nil
	}
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil || len(resp.Data) == 0 {
		return append([]string(nil), openAIModels...), nil
	}
	models := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		models = append(models, m.ID)
	}
	return models, nil
}
