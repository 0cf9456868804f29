// ABOUTME: Static backend for an existing public URL, such as a reverse proxy
// ABOUTME: Traffic reaches the local webhook listener, so no listener is returned

package tunnel

import (
	"context"
	"net"
)

// Static announces a URL that already forwards to the webhook listener.
type Static struct {
	URL string
}

func (s Static) Name() string { return "static" }

func (s Static) Open(context.Context) (net.Listener, string, error) {
	return nil, s.URL, nil
}

func (s Static) Close() error { return nil }
