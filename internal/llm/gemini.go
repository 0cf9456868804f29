// ABOUTME: Google Gemini provider built on the genai SDK
// ABOUTME: Converts prompts to genai contents and streams text via GenerateContentStream

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/2389/agentdesk/internal/apperr"
)

var geminiModels = []string{
	"gemini-1.5-pro",
	"gemini-1.5-flash",
	"gemini-1.0-pro",
	"gemini-1.0-pro-vision",
}

// GeminiProvider talks to the Gemini API. The SDK client is created lazily so
// a provider without a key can be registered.
type GeminiProvider struct {
	name     string
	apiKey   string
	baseURL  string
	defaults settings
	logger   *slog.Logger

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// NewGeminiProvider creates a provider from its config entry.
func NewGeminiProvider(name string, cfg ProviderConfig, logger *slog.Logger) *GeminiProvider {
	return &GeminiProvider{
		name:     name,
		apiKey:   cfg.apiKey(),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		defaults: cfg.settings(),
		logger:   logger,
	}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return p.name }

func (p *GeminiProvider) sdk(ctx context.Context) (*genai.Client, error) {
	if p.apiKey == "" {
		return nil, apperr.Newf(apperr.KindConfiguration, "gemini", "provider %q has no API key", p.name)
	}
	p.once.Do(func() {
		cc := &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI}
		if p.baseURL != "" {
			cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
		}
		p.client, p.clientErr = genai.NewClient(ctx, cc)
	})
	if p.clientErr != nil {
		return nil, apperr.Configuration("gemini client", p.clientErr)
	}
	return p.client, nil
}

// buildRequest maps a prompt onto genai contents. Prior assistant turns use
// the "model" role.
func (p *GeminiProvider) buildRequest(pr Prompt) (string, []*genai.Content, *genai.GenerateContentConfig) {
	s := p.defaults.resolve(pr)

	turns := chatTurns(pr)
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: t.Content}},
		})
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(s.temperature)),
		MaxOutputTokens: int32(s.maxTokens),
	}
	if pr.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: pr.System}}}
	}
	return s.model, contents, cfg
}

// GenerateComplete implements Provider.
func (p *GeminiProvider) GenerateComplete(ctx context.Context, pr Prompt) (string, error) {
	client, err := p.sdk(ctx)
	if err != nil {
		return "", err
	}
	model, contents, cfg := p.buildRequest(pr)
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", classifyGenAIError(err)
	}
	return resp.Text(), nil
}

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, pr Prompt) (<-chan Chunk, error) {
	client, err := p.sdk(ctx)
	if err != nil {
		return nil, err
	}
	model, contents, cfg := p.buildRequest(pr)

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			var c Chunk
			if err != nil {
				c.Err = classifyGenAIError(err)
			} else {
				c.Text = resp.Text()
				if c.Text == "" {
					continue
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
			if c.Err != nil {
				return
			}
		}
	}()
	return ch, nil
}

// AvailableModels implements Provider.
func (p *GeminiProvider) AvailableModels(context.Context) ([]string, error) {
	return append([]string(nil), geminiModels...), nil
}

func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return mapHTTPError(apiErr.Code, []byte(apiErr.Message))
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return mapHTTPError(apiErrPtr.Code, []byte(apiErrPtr.Message))
	}
	return apperr.Transport("gemini", fmt.Errorf("generation failed: %w", err))
}
