// ABOUTME: Public ingress for the webhook receiver so remote agents can deliver push notifications
// ABOUTME: Start is idempotent; a failed start leaves callbacks disabled rather than failing calls

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrDisabled is returned by Start when no backend is configured.
var ErrDisabled = errors.New("tunnel disabled")

// Backend establishes one kind of tunnel.
type Backend interface {
	Name() string
	// Open returns the public base URL. A non-nil listener receives the
	// tunnel's traffic and is served by the manager; a nil listener means
	// traffic reaches the local webhook listener some other way.
	Open(ctx context.Context) (net.Listener, string, error)
	Close() error
}

// Manager owns at most one active tunnel.
type Manager struct {
	mu          sync.Mutex
	backend     Backend
	handler     http.Handler
	webhookPath string
	logger      *slog.Logger

	active bool
	url    string
	server *http.Server
	served chan struct{}
}

// NewManager creates a manager. A nil backend disables tunneling.
func NewManager(backend Backend, handler http.Handler, webhookPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:     backend,
		handler:     handler,
		webhookPath: "/" + strings.Trim(webhookPath, "/"),
		logger:      logger.With("component", "tunnel"),
	}
}

// Start opens the tunnel and returns its public URL. Calling Start while a
// tunnel is active returns the existing URL.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return m.url, nil
	}
	if m.backend == nil {
		return "", ErrDisabled
	}

	ln, raw, err := m.backend.Open(ctx)
	if err != nil {
		m.logger.Warn("tunnel unavailable, continuing without push callbacks",
			"backend", m.backend.Name(), "error", err)
		return "", fmt.Errorf("starting %s tunnel: %w", m.backend.Name(), err)
	}
	public, err := normalizeURL(raw)
	if err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		_ = m.backend.Close()
		return "", fmt.Errorf("starting %s tunnel: %w", m.backend.Name(), err)
	}

	if ln != nil {
		m.server = &http.Server{
			Handler:           m.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		m.served = make(chan struct{})
		go func(srv *http.Server, done chan struct{}) {
			defer close(done)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.Error("tunnel listener stopped", "error", err)
			}
		}(m.server, m.served)
	}

	m.active = true
	m.url = public
	m.logger.Info("tunnel started", "backend", m.backend.Name(), "url", public)
	return public, nil
}

// Stop closes the tunnel. Stopping an inactive manager is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

// Restart closes any active tunnel and opens a new one.
func (m *Manager) Restart(ctx context.Context) (string, error) {
	m.mu.Lock()
	if err := m.stopLocked(ctx); err != nil {
		m.logger.Warn("error stopping tunnel before restart", "error", err)
	}
	m.mu.Unlock()
	return m.Start(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	if !m.active {
		return nil
	}
	var errs []error
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("listener shutdown: %w", err))
		}
		<-m.served
		m.server = nil
	}
	if err := m.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%s close: %w", m.backend.Name(), err))
	}
	m.active = false
	m.url = ""
	m.logger.Info("tunnel stopped", "backend", m.backend.Name())
	return errors.Join(errs...)
}

// URL returns the public base URL, or "" when inactive.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Active reports whether a tunnel is up.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// CallbackURL is the push notification URL to hand to agents, or "" when no
// tunnel is active.
func (m *Manager) CallbackURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ""
	}
	return m.url + m.webhookPath
}

// normalizeURL forces https and drops any trailing slash.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("backend returned no public URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid public URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid public URL %q: no host", raw)
	}
	u.Scheme = "https"
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
