// ABOUTME: App orchestrator wiring store, registries, LLM router, MCP tools, tracker, webhook, and tunnel
// ABOUTME: Owns the local webhook listener, collaborator-file watchers, and shutdown order

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/config"
	"github.com/2389/agentdesk/internal/llm"
	"github.com/2389/agentdesk/internal/mcp"
	"github.com/2389/agentdesk/internal/metrics"
	"github.com/2389/agentdesk/internal/registry"
	"github.com/2389/agentdesk/internal/session"
	"github.com/2389/agentdesk/internal/store"
	"github.com/2389/agentdesk/internal/tracker"
	"github.com/2389/agentdesk/internal/tunnel"
	"github.com/2389/agentdesk/internal/webhook"
)

// inboundBuffer is how many verified notifications may queue for the tracker.
const inboundBuffer = 64

// App holds every long-lived component of a running agentdesk.
type App struct {
	config   *config.Config
	store    *store.SQLiteStore
	agents   *registry.Registry
	llm      *llm.Router
	client   *a2a.Client
	tools    *mcp.Registry
	sessions *session.Manager
	receiver *webhook.Receiver
	tunnel   *tunnel.Manager
	metrics  *metrics.Metrics
	inbound  chan tracker.Inbound
	base     *slog.Logger
	logger   *slog.Logger

	closeOnce  sync.Once
	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	done       chan struct{}
}

// initStore opens the SQLite store. AGENTDESK_DB_PATH overrides the config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENTDESK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initProviders loads the providers file into a router. A broken file leaves
// the router empty so agent threads keep working.
func initProviders(cfg *config.Config, logger *slog.Logger) *llm.Router {
	router := llm.NewRouter(logger)
	f, err := llm.LoadProviders(cfg.Providers.File)
	if err != nil {
		logger.Warn("LLM providers unavailable", "file", cfg.Providers.File, "error", err)
		return router
	}
	if err := router.Reload(f); err != nil {
		logger.Warn("LLM providers unavailable", "file", cfg.Providers.File, "error", err)
	}
	return router
}

// MCPServers converts the configured MCP servers.
func MCPServers(cfg config.MCPConfig) []mcp.Server {
	out := make([]mcp.Server, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, mcp.Server{
			ID:        s.ID,
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Headers:   s.Headers,
			Default:   s.Default,
		})
	}
	return out
}

// New builds an App from cfg. Nothing listens until Start.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	agents, err := registry.Load(cfg.Agents.File, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("loading agents: %w", err)
	}
	if cfg.Agents.Default != "" {
		if err := agents.SetDefault(cfg.Agents.Default); err != nil {
			logger.Warn("configured default agent not found", "agent_id", cfg.Agents.Default)
		}
	}

	issuer, err := webhook.NewIssuer(cfg.Security.SigningSecret, cfg.Security.TokenTTL)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	if cfg.Security.SigningSecret == "" {
		logger.Warn("security.signing_secret not set - notification tokens will not survive a restart")
	}

	a := &App{
		config:  cfg,
		store:   s,
		agents:  agents,
		llm:     initProviders(cfg, logger),
		client:  a2a.NewClient(nil, cfg.Agents.RequestTimeout, logger),
		inbound: make(chan tracker.Inbound, inboundBuffer),
		base:    logger,
		logger:  logger.With("component", "app"),
	}

	a.metrics = metrics.New(func() int { return a.sessions.Tracker().Pending() })
	a.llm.SetObserver(a.metrics.LLMRequest)

	a.tools, err = mcp.New(MCPServers(cfg.MCP), mcp.Options{
		CallTimeout: cfg.MCP.CallTimeout,
		OnCall:      a.metrics.ToolCall,
	}, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("configuring MCP servers: %w", err)
	}

	a.sessions = session.New(session.Deps{
		Store:     s,
		Agents:    agents,
		Client:    a.client,
		LLM:       a.llm,
		Callbacks: callbackFunc(a.callbackURL),
		Tokens:    issuer,
		Tools:     a.tools,
	}, session.Options{
		MaxPerOwner:   cfg.Threads.MaxPerOwner,
		SystemPrompt:  cfg.Threads.SystemPrompt,
		Poll:          true,
		MaxToolRounds: cfg.MCP.MaxToolRounds,
		Tracker: tracker.Options{
			Timeout:      cfg.Tasks.PendingTimeout,
			PollInterval: cfg.Tasks.PollInterval,
			MaxPolls:     cfg.Tasks.MaxPolls,
			FinishedTTL:  cfg.Tasks.FinishedTTL,
			OnTransition: a.metrics.TaskTransition,
		},
		OnThreadCreated: a.metrics.ThreadCreated,
	}, logger)

	a.receiver = webhook.New(issuer, a.sessions.Tracker(), a.inbound, webhook.Options{
		Path:      cfg.Webhook.Path,
		RPS:       cfg.Webhook.RateLimit.RPS,
		Burst:     cfg.Webhook.RateLimit.Burst,
		OnRequest: a.metrics.WebhookRequest,
	}, logger)

	backend, err := tunnel.NewBackend(cfg.Tunnel, logger)
	if err != nil {
		a.sessions.Close()
		a.receiver.Close()
		s.Close()
		return nil, fmt.Errorf("configuring tunnel: %w", err)
	}
	a.tunnel = tunnel.NewManager(backend, a.receiver, cfg.Webhook.Path, logger)

	return a, nil
}

// callbackFunc adapts a function to session.CallbackSource.
type callbackFunc func() string

func (f callbackFunc) CallbackURL() string { return f() }

func (a *App) callbackURL() string {
	if a.tunnel == nil {
		return ""
	}
	return a.tunnel.CallbackURL()
}

// Handler returns the local HTTP surface: the webhook routes plus /metrics
// when enabled. The tunnel only ever exposes the webhook routes.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	if a.config.Metrics.Enabled {
		r.Handle(a.config.Metrics.Path, a.metrics.Handler())
	}
	r.Mount("/", a.receiver)
	return r
}

// Start restores threads, begins listening, opens the tunnel, and starts the
// watchers. A tunnel failure is logged and the app runs without callbacks.
// The returned channel carries a fatal listener error.
func (a *App) Start(ctx context.Context) (<-chan error, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return nil, errors.New("app already started")
	}

	if err := a.sessions.Restore(ctx); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", a.config.Webhook.Addr())
	if err != nil {
		return nil, fmt.Errorf("listening on webhook address: %w", err)
	}
	a.listener = ln
	a.httpServer = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.sessions.Tracker().Run(runCtx, a.inbound)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("webhook listener up", "addr", ln.Addr().String(), "path", a.config.Webhook.Path)
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("webhook server: %w", err)
		}
	}()

	a.startTunnel(runCtx)
	a.startWatchers(runCtx)
	return errCh, nil
}

func (a *App) startTunnel(ctx context.Context) {
	url, err := a.tunnel.Start(ctx)
	switch {
	case errors.Is(err, tunnel.ErrDisabled):
		a.logger.Info("tunnel disabled - agents will be polled instead of pushing")
	case err != nil:
		a.logger.Warn("continuing without push callbacks", "error", err)
	default:
		a.logger.Info("push callbacks enabled", "callback_url", url+a.config.Webhook.Path)
	}
	a.metrics.SetTunnelActive(a.tunnel.Active())
}

func (a *App) startWatchers(ctx context.Context) {
	err := config.Watch(ctx, a.config.Agents.File, 0, a.base, func() {
		if err := a.agents.Reload(); err != nil {
			a.logger.Warn("agent registry reload failed", "error", err)
		}
	})
	if err != nil {
		a.logger.Warn("not watching agent registry", "error", err)
	}

	err = config.Watch(ctx, a.config.Providers.File, 0, a.base, func() {
		f, err := llm.LoadProviders(a.config.Providers.File)
		if err == nil {
			err = a.llm.Reload(f)
		}
		if err != nil {
			a.logger.Warn("provider reload failed", "error", err)
		}
	})
	if err != nil {
		a.logger.Warn("not watching providers file", "error", err)
	}
}

// Run starts the app and blocks until ctx is canceled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh, err := a.Start(ctx)
	if err != nil {
		a.Close()
		return err
	}

	var serverErr error
	select {
	case <-ctx.Done():
		a.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		a.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := a.Shutdown(shutdownCtx)
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the tunnel and listener, then closes every component.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.tunnel.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping tunnel: %w", err))
	}

	a.mu.Lock()
	srv := a.httpServer
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down webhook server: %w", err))
		}
	}
	if cancel != nil {
		cancel()
		<-done
	}
	a.Close()
	return errors.Join(errs...)
}

// Close releases the session manager, MCP sessions, receiver, and store. It is used
// directly by commands that never Start.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.sessions.Close()
		a.tools.Close()
		a.receiver.Close()
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store", "error", err)
		}
	})
}

// WebhookAddr is the bound listener address, "" before Start.
func (a *App) WebhookAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.config }

// Sessions returns the thread manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Agents returns the agent registry.
func (a *App) Agents() *registry.Registry { return a.agents }

// LLM returns the provider router.
func (a *App) LLM() *llm.Router { return a.llm }

// Tools returns the MCP server registry.
func (a *App) Tools() *mcp.Registry { return a.tools }

// Tunnel returns the tunnel manager.
func (a *App) Tunnel() *tunnel.Manager { return a.tunnel }

// Store returns the conversation store.
func (a *App) Store() store.Store { return a.store }

// Metrics returns the collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
