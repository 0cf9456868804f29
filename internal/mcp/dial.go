// ABOUTME: Opens mcp-go client sessions over stdio, SSE, or streamable HTTP
// ABOUTME: Every session is initialized before the registry lists its tools

package mcp

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	gomcp "github.com/mark3labs/mcp-go/mcp"
)

// clientName identifies agentdesk in the initialize handshake.
const (
	clientName    = "agentdesk"
	clientVersion = "1.0.0"
)

func dialServer(ctx context.Context, s Server) (session, error) {
	var c *mcpclient.Client

	switch s.Transport {
	case TransportStdio:
		var err error
		c, err = mcpclient.NewStdioMCPClient(s.Command, envSlice(s.Env), s.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}

	case TransportSSE:
		var err error
		c, err = mcpclient.NewSSEMCPClient(s.URL, transport.WithHeaders(s.Headers))
		if err != nil {
			return nil, fmt.Errorf("create sse client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("start sse client: %w", err)
		}

	case TransportHTTP:
		t, err := transport.NewStreamableHTTP(s.URL, transport.WithHTTPHeaders(s.Headers))
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("start http client: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported transport %q", s.Transport)
	}

	initReq := gomcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = gomcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = gomcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

// envSlice converts env to KEY=VALUE pairs for the subprocess.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
