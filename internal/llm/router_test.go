// ABOUTME: Tests for provider resolution, registration order, defaults, and reload
// ABOUTME: Uses an in-memory fake provider so no network is involved

package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentdesk/internal/apperr"
)

// fakeProvider returns scripted output.
type fakeProvider struct {
	name   string
	chunks []string
	err    error
	models []string

	mu      sync.Mutex
	prompts []Prompt
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(_ context.Context, p Prompt) (<-chan Chunk, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- Chunk{Text: c}
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) GenerateComplete(ctx context.Context, p Prompt) (string, error) {
	ch, err := f.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	return Collect(ch)
}

func (f *fakeProvider) AvailableModels(context.Context) ([]string, error) {
	return f.models, nil
}

func TestRouter_FirstRegisteredIsDefault(t *testing.T) {
	r := NewRouter(nil)
	r.Register("a", &fakeProvider{name: "a"}, false)
	r.Register("b", &fakeProvider{name: "b"}, false)

	assert.Equal(t, "a", r.Default())
	assert.Equal(t, []string{"a", "b"}, r.Names())

	r.Register("c", &fakeProvider{name: "c"}, true)
	assert.Equal(t, "c", r.Default())
}

func TestRouter_Resolution(t *testing.T) {
	r := NewRouter(nil)

	_, err := r.Provider("")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConfiguration, "empty router has no provider")

	r.Register("a", &fakeProvider{name: "a", chunks: []string{"from a"}}, false)
	r.Register("b", &fakeProvider{name: "b", chunks: []string{"from b"}}, false)

	got, err := r.GenerateComplete(context.Background(), "", Prompt{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from a", got)

	got, err = r.GenerateComplete(context.Background(), "b", Prompt{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from b", got)

	_, err = r.GenerateComplete(context.Background(), "missing", Prompt{Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
}

func TestRouter_GenerateStreamsInOrder(t *testing.T) {
	r := NewRouter(nil)
	r.Register("a", &fakeProvider{name: "a", chunks: []string{"one ", "two ", "three"}}, true)

	ch, err := r.Generate(context.Background(), "", Prompt{Text: "count"})
	require.NoError(t, err)

	var got []string
	for c := range ch {
		require.NoError(t, c.Err)
		got = append(got, c.Text)
	}
	assert.Equal(t, []string{"one ", "two ", "three"}, got)
}

func TestRouter_UnregisterPromotesNext(t *testing.T) {
	r := NewRouter(nil)
	r.Register("a", &fakeProvider{name: "a"}, true)
	r.Register("b", &fakeProvider{name: "b"}, false)

	r.Unregister("a")
	assert.False(t, r.Has("a"))
	assert.Equal(t, "b", r.Default())

	r.Unregister("b")
	assert.Equal(t, "", r.Default())
}

func TestRouter_SetDefault(t *testing.T) {
	r := NewRouter(nil)
	r.Register("a", &fakeProvider{name: "a"}, false)
	r.Register("b", &fakeProvider{name: "b"}, false)

	require.NoError(t, r.SetDefault("b"))
	assert.Equal(t, "b", r.Default())
	assert.ErrorIs(t, r.SetDefault("zzz"), apperr.ErrConfiguration)
}

func TestRouter_ObserverSeesOutcome(t *testing.T) {
	r := NewRouter(nil)
	boom := apperr.Transport("test", errors.New("boom"))
	r.Register("ok", &fakeProvider{name: "ok", chunks: []string{"x"}}, true)
	r.Register("bad", &fakeProvider{name: "bad", err: boom}, false)

	var mu sync.Mutex
	outcomes := map[string]error{}
	r.SetObserver(func(provider string, err error) {
		mu.Lock()
		outcomes[provider] = err
		mu.Unlock()
	})

	ch, err := r.Generate(context.Background(), "ok", Prompt{})
	require.NoError(t, err)
	_, _ = Collect(ch)

	_, err = r.GenerateComplete(context.Background(), "bad", Prompt{})
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		e, seen := outcomes["ok"]
		return seen && e == nil && errors.Is(outcomes["bad"], apperr.ErrTransport)
	}, time.Second, 5*time.Millisecond)
}

func TestRouter_ReloadFromFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	r := NewRouter(nil)
	r.Register("stale", &fakeProvider{name: "stale"}, true)

	require.NoError(t, r.Reload(DefaultProvidersFile()))

	assert.False(t, r.Has("stale"))
	assert.Equal(t, "OpenAI", r.Default())
	assert.ElementsMatch(t, []string{"OpenAI", "Google Gemini", "Anthropic Claude", "Local LLM"}, r.Names())

	p, err := r.Provider("OpenAI")
	require.NoError(t, err)
	_, isBreaker := p.(*Breaker)
	assert.True(t, isBreaker)
}

func TestRouter_ReloadRejectsInvalidAndKeepsState(t *testing.T) {
	r := NewRouter(nil)
	r.Register("a", &fakeProvider{name: "a"}, true)

	err := r.Reload(&ProvidersFile{Providers: map[string]ProviderConfig{"x": {Kind: "cohere"}}})
	assert.ErrorIs(t, err, apperr.ErrConfiguration)
	assert.True(t, r.Has("a"))
}

// An unconfigured provider fails before any network I/O.
func TestRouter_UnconfiguredOpenAIIsConfigurationError(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	r := NewRouter(nil)
	require.NoError(t, r.Reload(DefaultProvidersFile()))

	_, err := r.GenerateComplete(context.Background(), "OpenAI", Prompt{Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestChatTurns(t *testing.T) {
	turns := chatTurns(Prompt{
		History: []Turn{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "system", Content: "error text"},
			{Role: "assistant", Content: ""},
		},
		Text: "next",
	})
	assert.Equal(t, []Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "error text"},
		{Role: "user", Content: "next"},
	}, turns)
}

func TestSettingsResolve(t *testing.T) {
	base := settings{model: "m", temperature: 0.7, maxTokens: 1000}
	assert.Equal(t, base, base.resolve(Prompt{}))
	assert.Equal(t,
		settings{model: "other", temperature: 0.2, maxTokens: 50},
		base.resolve(Prompt{Model: "other", Temperature: 0.2, MaxTokens: 50}))
}
