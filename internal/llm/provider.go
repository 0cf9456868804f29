// ABOUTME: Provider capability shared by every LLM backend: streaming, complete, and model listing
// ABOUTME: Prompts carry the system instruction, prior turns, and per-call generation overrides

package llm

import (
	"context"
	"strings"
)

// Kind names a provider implementation in the providers file.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
	KindOllama    Kind = "ollama"
)

// Turn is one prior message in the conversation. Tool turns only appear in
// prompts passed to a ToolCaller.
type Turn struct {
	Role    string // "user", "assistant", or "tool"
	Content string

	// ToolCalls are the calls an assistant turn requested.
	ToolCalls []ToolCall
	// ToolCallID links a "tool" turn to the call it answers.
	ToolCallID string
}

// Prompt is a single generation request.
type Prompt struct {
	System  string
	History []Turn
	Text    string

	// Zero values fall back to the provider's configured defaults.
	Model       string
	Temperature float64
	MaxTokens   int
}

// Chunk is one piece of streamed output. A chunk with Err set is always the
// last value before the channel closes.
type Chunk struct {
	Text string
	Err  error
}

// Provider is the capability every LLM backend exposes.
type Provider interface {
	Name() string
	// Generate streams the reply. The channel is closed when the stream ends.
	Generate(ctx context.Context, p Prompt) (<-chan Chunk, error)
	GenerateComplete(ctx context.Context, p Prompt) (string, error)
	AvailableModels(ctx context.Context) ([]string, error)
}

// Collect drains a chunk stream into a single string.
func Collect(ch <-chan Chunk) (string, error) {
	var b strings.Builder
	for c := range ch {
		if c.Err != nil {
			return "", c.Err
		}
		b.WriteString(c.Text)
	}
	return b.String(), nil
}

// settings are the per-provider defaults a Prompt may override.
type settings struct {
	model       string
	temperature float64
	maxTokens   int
}

func (s settings) resolve(p Prompt) settings {
	out := s
	if p.Model != "" {
		out.model = p.Model
	}
	if p.Temperature > 0 {
		out.temperature = p.Temperature
	}
	if p.MaxTokens > 0 {
		out.maxTokens = p.MaxTokens
	}
	return out
}

// chatTurns flattens a prompt into role/content pairs in conversation order,
// ending with the new user text.
func chatTurns(p Prompt) []Turn {
	turns := make([]Turn, 0, len(p.History)+1)
	for _, t := range p.History {
		if t.Content == "" {
			continue
		}
		role := t.Role
		if role != "assistant" {
			role = "user"
		}
		turns = append(turns, Turn{Role: role, Content: t.Content})
	}
	return append(turns, Turn{Role: "user", Content: p.Text})
}
