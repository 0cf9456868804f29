// ABOUTME: Router resolving a provider by name or falling back to the default
// ABOUTME: Provider-agnostic; reload replaces the registered set from a providers file

package llm

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/agentdesk/internal/apperr"
)

// Observer receives one call per completed generation request.
type Observer func(provider string, err error)

// Router holds registered providers and a default. Safe for concurrent use.
type Router struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	order       []string
	defaultName string
	observe     Observer
	breaker     BreakerConfig
	base        *slog.Logger
	logger      *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		providers: make(map[string]Provider),
		base:      logger,
		logger:    logger.With("component", "llm_router"),
	}
}

// SetObserver installs a request observer (used for metrics).
func (r *Router) SetObserver(o Observer) {
	r.mu.Lock()
	r.observe = o
	r.mu.Unlock()
}

// Register adds or replaces a provider. The first provider registered becomes
// the default when none is set.
func (r *Router) Register(name string, p Provider, isDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
	if isDefault || r.defaultName == "" {
		r.defaultName = name
	}
	r.logger.Info("provider registered", "provider", name, "default", r.defaultName == name)
}

// Unregister removes a provider. Removing the default promotes the first
// remaining provider.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.providers, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	if r.defaultName == name {
		r.defaultName = ""
		if len(r.order) > 0 {
			r.defaultName = r.order[0]
		}
	}
}

// Has reports whether name is registered.
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Names returns registered providers in registration order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Default returns the default provider name, or "" if none.
func (r *Router) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// SetDefault changes the default provider.
func (r *Router) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return apperr.Newf(apperr.KindConfiguration, "set default provider", "provider %q is not registered", name)
	}
	r.defaultName = name
	return nil
}

// Provider resolves name, or the default when name is empty.
func (r *Router) Provider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
	}
	if name == "" {
		return nil, apperr.Newf(apperr.KindConfiguration, "resolve provider", "no LLM provider available")
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindConfiguration, "resolve provider", "provider %q is not registered", name)
	}
	return p, nil
}

func (r *Router) record(name string, err error) {
	r.mu.RLock()
	o := r.observe
	r.mu.RUnlock()
	if o != nil {
		o(name, err)
	}
}

// Generate streams a reply from the named (or default) provider.
func (r *Router) Generate(ctx context.Context, name string, p Prompt) (<-chan Chunk, error) {
	prov, err := r.Provider(name)
	if err != nil {
		return nil, err
	}
	ch, err := prov.Generate(ctx, p)
	if err != nil {
		r.record(prov.Name(), err)
		return nil, err
	}

	// Relay so the observer sees the stream's final outcome.
	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		var streamErr error
		for c := range ch {
			if c.Err != nil {
				streamErr = c.Err
			}
			select {
			case out <- c:
			case <-ctx.Done():
				r.record(prov.Name(), ctx.Err())
				return
			}
		}
		r.record(prov.Name(), streamErr)
	}()
	return out, nil
}

// GenerateComplete returns a full reply from the named (or default) provider.
func (r *Router) GenerateComplete(ctx context.Context, name string, p Prompt) (string, error) {
	prov, err := r.Provider(name)
	if err != nil {
		return "", err
	}
	text, err := prov.GenerateComplete(ctx, p)
	r.record(prov.Name(), err)
	return text, err
}

// CompleteWithTools asks the named (or default) provider for a reply that may
// request tool calls. Providers without function calling return
// ErrToolsUnsupported.
func (r *Router) CompleteWithTools(ctx context.Context, name string, p Prompt, tools []ToolSpec) (Completion, error) {
	prov, err := r.Provider(name)
	if err != nil {
		return Completion{}, err
	}
	tc, ok := prov.(ToolCaller)
	if !ok {
		return Completion{}, ErrToolsUnsupported
	}
	out, err := tc.CompleteWithTools(ctx, p, tools)
	if !errors.Is(err, ErrToolsUnsupported) {
		r.record(prov.Name(), err)
	}
	return out, err
}

// AvailableModels lists models for the named (or default) provider.
func (r *Router) AvailableModels(ctx context.Context, name string) ([]string, error) {
	prov, err := r.Provider(name)
	if err != nil {
		return nil, err
	}
	return prov.AvailableModels(ctx)
}

// Reload replaces every provider with those in f, each wrapped in a breaker.
// On error the current set is left untouched.
func (r *Router) Reload(f *ProvidersFile) error {
	if err := f.Validate(); err != nil {
		return apperr.Configuration("reload providers", err)
	}

	built := make(map[string]Provider, len(f.Providers))
	names := f.Names()
	for _, name := range names {
		p, err := NewProvider(name, f.Providers[name], r.base)
		if err != nil {
			return apperr.Configuration("reload providers", err)
		}
		built[name] = NewBreaker(p, r.breaker, r.logger.With("provider", name))
	}

	r.mu.Lock()
	r.providers = built
	r.order = names
	r.defaultName = f.DefaultProvider
	if _, ok := built[r.defaultName]; !ok {
		r.defaultName = ""
		if len(names) > 0 {
			r.defaultName = names[0]
		}
	}
	def := r.defaultName
	r.mu.Unlock()

	r.logger.Info("providers loaded", "count", len(names), "default", def)
	return nil
}
