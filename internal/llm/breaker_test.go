// ABOUTME: Tests for the circuit breaker decorator
// ABOUTME: Transport failures trip it; configuration failures do not

package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentdesk/internal/apperr"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestBreaker_PassesThrough(t *testing.T) {
	b := NewBreaker(&fakeProvider{name: "ok", chunks: []string{"a", "b"}, models: []string{"m1"}}, BreakerConfig{}, testLogger())

	text, err := b.GenerateComplete(context.Background(), Prompt{})
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
	assert.Equal(t, "ok", b.Name())

	models, err := b.AvailableModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, models)
}

func TestBreaker_OpensOnTransportFailures(t *testing.T) {
	inner := &fakeProvider{name: "flaky", err: apperr.Transport("test", errors.New("connection refused"))}
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, testLogger())

	for i := 0; i < 2; i++ {
		_, err := b.GenerateComplete(context.Background(), Prompt{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Generate(context.Background(), Prompt{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransport)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	inner.mu.Lock()
	calls := len(inner.prompts)
	inner.mu.Unlock()
	assert.Equal(t, 2, calls, "open circuit does not reach the provider")
}

func TestBreaker_ConfigurationErrorsDoNotTrip(t *testing.T) {
	inner := &fakeProvider{name: "nokey", err: apperr.Newf(apperr.KindConfiguration, "test", "no key")}
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 1}, testLogger())

	for i := 0; i < 3; i++ {
		_, err := b.GenerateComplete(context.Background(), Prompt{})
		assert.ErrorIs(t, err, apperr.ErrConfiguration)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
