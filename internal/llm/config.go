// ABOUTME: TOML providers file: default provider plus one table per named provider
// ABOUTME: Builds breaker-wrapped Provider values for each configured entry

package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

// Generation defaults for providers that do not set their own.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
	DefaultOllamaHost  = "http://localhost:11434"
)

// ProviderConfig is one [providers."Name"] table.
type ProviderConfig struct {
	Kind         Kind    `toml:"kind"`
	APIKey       string  `toml:"api_key,omitempty"`
	BaseURL      string  `toml:"base_url,omitempty"`
	Host         string  `toml:"host,omitempty"`
	DefaultModel string  `toml:"default_model"`
	Temperature  float64 `toml:"temperature"`
	MaxTokens    int     `toml:"max_tokens"`
	Timeout      string  `toml:"timeout,omitempty"`
}

// ProvidersFile is the persisted provider configuration.
type ProvidersFile struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
}

// DefaultProvidersFile is used when no providers file exists yet.
func DefaultProvidersFile() *ProvidersFile {
	return &ProvidersFile{
		DefaultProvider: "OpenAI",
		Providers: map[string]ProviderConfig{
			"OpenAI": {
				Kind:         KindOpenAI,
				DefaultModel: "gpt-3.5-turbo",
				Temperature:  DefaultTemperature,
				MaxTokens:    DefaultMaxTokens,
			},
			"Google Gemini": {
				Kind:         KindGemini,
				DefaultModel: "gemini-1.5-pro",
				Temperature:  DefaultTemperature,
				MaxTokens:    DefaultMaxTokens,
			},
			"Anthropic Claude": {
				Kind:         KindAnthropic,
				DefaultModel: "claude-3-sonnet-20240229",
				Temperature:  DefaultTemperature,
				MaxTokens:    DefaultMaxTokens,
			},
			"Local LLM": {
				Kind:         KindOllama,
				Host:         DefaultOllamaHost,
				DefaultModel: "llama3",
				Temperature:  DefaultTemperature,
				MaxTokens:    DefaultMaxTokens,
			},
		},
	}
}

// LoadProviders reads the providers file. A missing file yields the defaults.
func LoadProviders(path string) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultProvidersFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}

	var f ProvidersFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("parsing providers file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// SaveProviders writes f as TOML.
func SaveProviders(path string, f *ProvidersFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating providers directory: %w", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("writing providers file: %w", err)
	}
	if err := toml.NewEncoder(out).Encode(f); err != nil {
		out.Close()
		return fmt.Errorf("encoding providers file: %w", err)
	}
	return out.Close()
}

// Validate checks kinds, timeouts, and the default provider reference.
func (f *ProvidersFile) Validate() error {
	for name, pc := range f.Providers {
		switch pc.Kind {
		case KindOpenAI, KindAnthropic, KindGemini, KindOllama:
		default:
			return fmt.Errorf("provider %q: unknown kind %q", name, pc.Kind)
		}
		if pc.Timeout != "" {
			if _, err := time.ParseDuration(pc.Timeout); err != nil {
				return fmt.Errorf("provider %q: invalid timeout %q: %w", name, pc.Timeout, err)
			}
		}
	}
	if f.DefaultProvider != "" {
		if _, ok := f.Providers[f.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q is not configured", f.DefaultProvider)
		}
	}
	return nil
}

// Names returns the configured provider names in sorted order.
func (f *ProvidersFile) Names() []string {
	names := make([]string, 0, len(f.Providers))
	for name := range f.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// envKeys are consulted when a provider entry has no api_key.
var envKeys = map[Kind]string{
	KindOpenAI:    "OPENAI_API_KEY",
	KindAnthropic: "ANTHROPIC_API_KEY",
	KindGemini:    "GOOGLE_API_KEY",
}

func (pc ProviderConfig) apiKey() string {
	if pc.APIKey != "" {
		return pc.APIKey
	}
	if env, ok := envKeys[pc.Kind]; ok {
		return os.Getenv(env)
	}
	return ""
}

func (pc ProviderConfig) settings() settings {
	s := settings{model: pc.DefaultModel, temperature: pc.Temperature, maxTokens: pc.MaxTokens}
	if s.temperature <= 0 {
		s.temperature = DefaultTemperature
	}
	if s.maxTokens <= 0 {
		s.maxTokens = DefaultMaxTokens
	}
	return s
}

func (pc ProviderConfig) timeout() time.Duration {
	d, _ := time.ParseDuration(pc.Timeout)
	return d
}

// NewProvider builds the provider for one entry. Missing credentials are not
// an error here; the provider reports them on first use.
func NewProvider(name string, pc ProviderConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm", "provider", name)

	switch pc.Kind {
	case KindOpenAI:
		return NewOpenAIProvider(name, pc, logger), nil
	case KindAnthropic:
		return NewAnthropicProvider(name, pc, logger), nil
	case KindGemini:
		return NewGeminiProvider(name, pc, logger), nil
	case KindOllama:
		return NewOllamaProvider(name, pc, logger), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown kind %q", name, pc.Kind)
	}
}
