// ABOUTME: Circuit breaker decorator for providers using sony/gobreaker
// ABOUTME: Only transport failures count toward tripping; an open circuit is reported as a transport error

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/2389/agentdesk/internal/apperr"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// Breaker wraps a Provider with circuit breaker protection. Streams are
// protected at connection time; errors inside an open stream are delivered
// on the channel and do not count.
type Breaker struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

var (
	_ Provider   = (*Breaker)(nil)
	_ ToolCaller = (*Breaker)(nil)
)

// NewBreaker wraps inner. Zero config fields use defaults.
func NewBreaker(inner Provider, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // one trial request while half-open
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || apperr.KindOf(err) != apperr.KindTransport
		},
	})

	return &Breaker{inner: inner, breaker: cb, logger: logger}
}

// Name implements Provider.
func (b *Breaker) Name() string { return b.inner.Name() }

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State { return b.breaker.State() }

func (b *Breaker) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Transport("llm", fmt.Errorf("provider %q circuit open: %w", b.inner.Name(), err))
	}
	return err
}

// GenerateComplete implements Provider.
func (b *Breaker) GenerateComplete(ctx context.Context, p Prompt) (string, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.inner.GenerateComplete(ctx, p)
	})
	if err != nil {
		return "", b.wrap(err)
	}
	return out.(string), nil
}

// Generate implements Provider.
func (b *Breaker) Generate(ctx context.Context, p Prompt) (<-chan Chunk, error) {
	var ch <-chan Chunk
	_, err := b.breaker.Execute(func() (any, error) {
		var err error
		ch, err = b.inner.Generate(ctx, p)
		return nil, err
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return ch, nil
}

// CompleteWithTools implements ToolCaller by forwarding to the wrapped
// provider, or returns ErrToolsUnsupported when it cannot call tools.
func (b *Breaker) CompleteWithTools(ctx context.Context, p Prompt, tools []ToolSpec) (Completion, error) {
	tc, ok := b.inner.(ToolCaller)
	if !ok {
		return Completion{}, ErrToolsUnsupported
	}
	out, err := b.breaker.Execute(func() (any, error) {
		return tc.CompleteWithTools(ctx, p, tools)
	})
	if err != nil {
		return Completion{}, b.wrap(err)
	}
	return out.(Completion), nil
}

// AvailableModels implements Provider. Listing does not go through the breaker.
func (b *Breaker) AvailableModels(ctx context.Context) ([]string, error) {
	return b.inner.AvailableModels(ctx)
}
