// ABOUTME: Tailscale Funnel backend: a tsnet node serving the webhook publicly on :443
// ABOUTME: The public URL is the node's MagicDNS name

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"tailscale.com/tsnet"
)

// TailscaleOptions configures the tsnet node.
type TailscaleOptions struct {
	Hostname  string
	StateDir  string
	Ephemeral bool
	AuthKey   string
}

// Tailscale exposes the webhook through Tailscale Funnel.
type Tailscale struct {
	opts   TailscaleOptions
	server *tsnet.Server
	logger *slog.Logger
}

// NewTailscale creates the backend. Nothing is started until Open.
func NewTailscale(opts TailscaleOptions, logger *slog.Logger) *Tailscale {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailscale{opts: opts, logger: logger.With("backend", "tailscale")}
}

func (t *Tailscale) Name() string { return "tailscale" }

func (t *Tailscale) Open(ctx context.Context) (net.Listener, string, error) {
	stateDir, err := resolveStateDir(t.opts.StateDir)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, "", fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveAuthKey(t.opts.AuthKey)
	if err != nil {
		return nil, "", err
	}

	t.server = &tsnet.Server{
		Hostname:  t.opts.Hostname,
		Dir:       stateDir,
		Ephemeral: t.opts.Ephemeral,
		AuthKey:   authKey,
		Logf:      func(string, ...any) {},
	}

	t.logger.Info("starting tailscale node", "hostname", t.opts.Hostname, "state_dir", stateDir, "ephemeral", t.opts.Ephemeral)
	status, err := t.server.Up(ctx)
	if err != nil {
		_ = t.server.Close()
		t.server = nil
		return nil, "", fmt.Errorf("starting tailscale: %w", err)
	}
	if status.Self == nil || status.Self.DNSName == "" {
		_ = t.server.Close()
		t.server = nil
		return nil, "", errors.New("tailscale node has no DNS name; enable MagicDNS and HTTPS for the tailnet")
	}

	ln, err := t.server.ListenFunnel("tcp", ":443")
	if err != nil {
		_ = t.server.Close()
		t.server = nil
		return nil, "", fmt.Errorf("enabling tailscale funnel: %w", err)
	}
	return ln, strings.TrimSuffix(status.Self.DNSName, "."), nil
}

func (t *Tailscale) Close() error {
	if t.server == nil {
		return nil
	}
	err := t.server.Close()
	t.server = nil
	return err
}

// resolveStateDir returns the state directory, using default if not configured.
func resolveStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tunnel.tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "agentdesk", "tailscale"), nil
}

// resolveAuthKey returns the auth key from config or environment.
func resolveAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tunnel.auth_token in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}
