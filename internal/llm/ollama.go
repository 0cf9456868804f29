// ABOUTME: Local Ollama provider using the native /api/chat and /api/tags endpoints
// ABOUTME: No credentials are required; streaming responses are newline-delimited JSON

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/agentdesk/internal/apperr"
)

// Local models can take a while to load on first use.
const ollamaDefaultTimeout = 300 * time.Second

// OllamaProvider talks to a local Ollama server.
type OllamaProvider struct {
	name     string
	host     string
	defaults settings
	client   *http.Client
	logger   *slog.Logger
}

// NewOllamaProvider creates a provider from its config entry.
func NewOllamaProvider(name string, cfg ProviderConfig, logger *slog.Logger) *OllamaProvider {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = strings.TrimRight(cfg.BaseURL, "/")
	}
	if host == "" {
		host = DefaultOllamaHost
	}
	timeout := cfg.timeout()
	if timeout <= 0 {
		timeout = ollamaDefaultTimeout
	}
	return &OllamaProvider{
		name:     name,
		host:     host,
		defaults: cfg.settings(),
		client:   newHTTPClient(timeout),
		logger:   logger,
	}
}

// Name implements Provider.
func (p *OllamaProvider) Name() string { return p.name }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  struct {
		Temperature float64 `json:"temperature"`
		NumPredict  int     `json:"num_predict"`
	} `json:"options"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (p *OllamaProvider) buildRequest(pr Prompt, stream bool) ([]byte, error) {
	s := p.defaults.resolve(pr)
	req := ollamaRequest{Model: s.model, Stream: stream}
	req.Options.Temperature = s.temperature
	req.Options.NumPredict = s.maxTokens
	if pr.System != "" {
		req.Messages = append(req.Messages, ollamaMessage{Role: "system", Content: pr.System})
	}
	for _, t := range chatTurns(pr) {
		req.Messages = append(req.Messages, ollamaMessage{Role: t.Role, Content: t.Content})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// GenerateComplete implements Provider.
func (p *OllamaProvider) GenerateComplete(ctx context.Context, pr Prompt) (string, error) {
	body, err := p.buildRequest(pr, false)
	if err != nil {
		return "", err
	}
	respBody, err := doJSONRequest(ctx, p.client, http.MethodPost, p.host+"/api/chat", body, nil)
	if err != nil {
		return "", err
	}
	var resp ollamaResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", apperr.Protocol("ollama", "", respBody, fmt.Errorf("unmarshal response: %w", err))
	}
	if resp.Error != "" {
		return "", apperr.Protocol("ollama", "", respBody, fmt.Errorf("%s", resp.Error))
	}
	return resp.Message.Content, nil
}

// Generate implements Provider.
func (p *OllamaProvider) Generate(ctx context.Context, pr Prompt) (<-chan Chunk, error) {
	body, err := p.buildRequest(pr, true)
	if err != nil {
		return nil, err
	}
	resp, err := doStreamRequest(ctx, p.client, p.host+"/api/chat", body, nil)
	if err != nil {
		return nil, err
	}
	return parseNDJSONStream(ctx, resp.Body, func(data []byte) (string, bool, error) {
		var r ollamaResponse
		if err := json.Unmarshal(data, &r); err != nil {
			return "", false, apperr.Protocol("ollama stream", "", data, err)
		}
		if r.Error != "" {
			return "", true, apperr.Protocol("ollama stream", "", data, fmt.Errorf("%s", r.Error))
		}
		return r.Message.Content, r.Done, nil
	}), nil
}

// AvailableModels lists locally pulled models. An unreachable server is a
// transport error since there is no meaningful static list.
func (p *OllamaProvider) AvailableModels(ctx context.Context) ([]string, error) {
	respBody, err := doJSONRequest(ctx, p.client, http.MethodGet, p.host+"/api/tags", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apperr.Protocol("ollama tags", "", respBody, err)
	}
	models := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, m.Name)
	}
	return models, nil
}
