// ABOUTME: Builds the configured tunnel backend

package tunnel

import (
	"fmt"
	"log/slog"

	"github.com/2389/agentdesk/internal/config"
)

// NewBackend returns the backend for cfg, or nil when tunneling is off.
func NewBackend(cfg config.TunnelConfig, logger *slog.Logger) (Backend, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Provider {
	case "tailscale":
		return NewTailscale(TailscaleOptions{
			Hostname:  cfg.Tailscale.Hostname,
			StateDir:  cfg.Tailscale.StateDir,
			Ephemeral: cfg.Tailscale.Ephemeral,
			AuthKey:   cfg.AuthToken,
		}, logger), nil
	case "ngrok":
		return NewNgrok(cfg.AuthToken, cfg.Region, logger), nil
	case "static":
		return Static{URL: cfg.PublicURL}, nil
	default:
		return nil, fmt.Errorf("unknown tunnel provider %q", cfg.Provider)
	}
}
