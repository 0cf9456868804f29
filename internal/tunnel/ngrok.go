// ABOUTME: ngrok backend: an HTTPS endpoint forwarded to an in-process listener
// ABOUTME: Requires an auth token; the region picks the ngrok edge

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// Ngrok exposes the webhook through an ngrok HTTP endpoint.
type Ngrok struct {
	authToken string
	region    string
	tunnel    ngrok.Tunnel
	logger    *slog.Logger
}

// NewNgrok creates the backend. An empty token falls back to NGROK_AUTHTOKEN.
func NewNgrok(authToken, region string, logger *slog.Logger) *Ngrok {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ngrok{authToken: authToken, region: region, logger: logger.With("backend", "ngrok")}
}

func (n *Ngrok) Name() string { return "ngrok" }

func (n *Ngrok) Open(ctx context.Context) (net.Listener, string, error) {
	token := n.authToken
	if token == "" {
		token = os.Getenv("NGROK_AUTHTOKEN")
	}
	if token == "" {
		return nil, "", errors.New("ngrok auth token required: set tunnel.auth_token in config or NGROK_AUTHTOKEN environment variable")
	}

	opts := []ngrok.ConnectOption{ngrok.WithAuthtoken(token)}
	if n.region != "" {
		opts = append(opts, ngrok.WithRegion(n.region))
	}

	n.logger.Info("connecting to ngrok", "region", n.region)
	tun, err := ngrok.Listen(ctx, config.HTTPEndpoint(), opts...)
	if err != nil {
		return nil, "", fmt.Errorf("opening ngrok endpoint: %w", err)
	}
	n.tunnel = tun
	return tun, tun.URL(), nil
}

func (n *Ngrok) Close() error {
	if n.tunnel == nil {
		return nil
	}
	// Shutting the server down already closed the listener, so a second
	// close error is expected and dropped.
	_ = n.tunnel.Close()
	n.tunnel = nil
	return nil
}
