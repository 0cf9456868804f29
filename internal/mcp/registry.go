// ABOUTME: Registry of configured MCP servers with lazy connections and tool routing
// ABOUTME: Lists tools under qualified names and dispatches calls to the owning server

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/agentdesk/internal/apperr"
)

// Transports a Server may use.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Defaults for Options left zero.
const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

var (
	// ErrUnknownServer is returned for a server id that is not configured.
	ErrUnknownServer = errors.New("unknown mcp server")
	// ErrUnknownTool is returned by Call for a name Tools never returned.
	ErrUnknownTool = errors.New("unknown mcp tool")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// Server describes one MCP server.
type Server struct {
	ID        string
	Name      string
	Transport string
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
	// Default servers are attached to new LLM threads.
	Default bool
}

// DisplayName returns Name, or ID when no name is set.
func (s Server) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Target is the command line or URL the server is reached at.
func (s Server) Target() string {
	if s.Transport == TransportStdio {
		return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
	}
	return s.URL
}

func (s Server) validate() error {
	if !validID.MatchString(s.ID) {
		return fmt.Errorf("mcp server id %q must be letters, digits, and dashes", s.ID)
	}
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("mcp server %s: stdio transport requires a command", s.ID)
		}
	case TransportSSE, TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("mcp server %s: %s transport requires a url", s.ID, s.Transport)
		}
	default:
		return fmt.Errorf("mcp server %s: transport %q must be stdio, sse, or http", s.ID, s.Transport)
	}
	return nil
}

// missingEnv names the env entries left empty, usually an unset ${VAR}.
func (s Server) missingEnv() []string {
	var missing []string
	for k, v := range s.Env {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

// Tool is a tool offered to the model.
type Tool struct {
	// Name is the qualified name, mcp_<server>_<tool>.
	Name        string
	Description string
	// Parameters is the JSON Schema of the arguments.
	Parameters json.RawMessage
	Server     string
	// Remote is the tool's name on its server.
	Remote string
}

// Result is the outcome of a tool call.
type Result struct {
	Text    string
	IsError bool
}

// session is the part of an mcp-go client the registry uses.
type session interface {
	ListTools(ctx context.Context, req gomcp.ListToolsRequest) (*gomcp.ListToolsResult, error)
	CallTool(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error)
	Close() error
}

// DialFunc connects and initializes a session with a server.
type DialFunc func(ctx context.Context, s Server) (session, error)

// Options tunes a Registry.
type Options struct {
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
	// OnCall observes every tool call by server and outcome.
	OnCall func(server, outcome string)
}

// Registry owns the configured servers and their live sessions.
type Registry struct {
	servers map[string]Server
	order   []string
	dial    DialFunc
	opts    Options
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
	// byName maps qualified tool names to their tools.
	byName map[string]Tool
}

type conn struct {
	session session
	tools   []Tool
}

// New creates a registry over servers. Nothing is connected until a tool list
// is requested.
func New(servers []Server, opts Options, logger *slog.Logger) (*Registry, error) {
	return newRegistry(servers, dialServer, opts, logger)
}

func newRegistry(servers []Server, dial DialFunc, opts Options, logger *slog.Logger) (*Registry, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		servers: make(map[string]Server, len(servers)),
		dial:    dial,
		opts:    opts,
		logger:  logger.With("component", "mcp"),
		conns:   make(map[string]*conn),
		byName:  make(map[string]Tool),
	}
	for _, s := range servers {
		if err := s.validate(); err != nil {
			return nil, apperr.Configuration("mcp registry", err)
		}
		if _, dup := r.servers[s.ID]; dup {
			return nil, apperr.Newf(apperr.KindConfiguration, "mcp registry", "duplicate mcp server id %q", s.ID)
		}
		r.servers[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r, nil
}

// Servers returns the configured servers in configuration order.
func (r *Registry) Servers() []Server {
	out := make([]Server, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.servers[id])
	}
	return out
}

// Server returns the configuration of id.
func (r *Registry) Server(id string) (Server, bool) {
	s, ok := r.servers[id]
	return s, ok
}

// Defaults returns the ids of servers attached to new LLM threads.
func (r *Registry) Defaults() []string {
	var ids []string
	for _, id := range r.order {
		if r.servers[id].Default {
			ids = append(ids, id)
		}
	}
	return ids
}

// Connected reports whether id has a live session.
func (r *Registry) Connected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	return ok
}

// Tools returns the tools of every server in ids, connecting as needed. A
// server that cannot be reached fails the whole call so the user learns which
// one is broken.
func (r *Registry) Tools(ctx context.Context, ids []string) ([]Tool, error) {
	var out []Tool
	for _, id := range ids {
		c, err := r.connect(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c.tools...)
	}
	return out, nil
}

// Call runs the tool with the qualified name returned by Tools.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	r.mu.Lock()
	tool, ok := r.byName[name]
	var c *conn
	if ok {
		c = r.conns[tool.Server]
	}
	r.mu.Unlock()
	if !ok || c == nil {
		return Result{}, apperr.Protocol("mcp call", "", nil, fmt.Errorf("%w: %s", ErrUnknownTool, name))
	}

	var arguments map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			r.observe(tool.Server, "invalid_arguments")
			return Result{Text: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
		}
	}

	req := gomcp.CallToolRequest{}
	req.Params.Name = tool.Remote
	req.Params.Arguments = arguments

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.session.CallTool(callCtx, req)
	if err != nil {
		r.observe(tool.Server, "error")
		r.logger.Warn("mcp tool call failed", "server", tool.Server, "tool", tool.Remote, "error", err)
		return Result{Text: fmt.Sprintf("MCP tool error: %v", err), IsError: true}, nil
	}

	outcome := "ok"
	if res.IsError {
		outcome = "tool_error"
	}
	r.observe(tool.Server, outcome)
	r.logger.Debug("mcp tool called",
		"server", tool.Server, "tool", tool.Remote, "is_error", res.IsError, "duration", time.Since(start))
	return Result{Text: resultText(res), IsError: res.IsError}, nil
}

// Disconnect closes the session of id, if any. The next Tools call reconnects.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		for _, t := range c.tools {
			delete(r.byName, t.Name)
		}
	}
	r.mu.Unlock()
	if ok {
		r.closeSession(id, c.session)
	}
}

// Close closes every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*conn)
	r.byName = make(map[string]Tool)
	r.mu.Unlock()
	for id, c := range conns {
		r.closeSession(id, c.session)
	}
}

func (r *Registry) closeSession(id string, s session) {
	if err := s.Close(); err != nil {
		r.logger.Warn("mcp server close error", "server", id, "error", err)
	}
}

// connect returns the live session of id, dialing it on first use. The lock
// is held across the dial so concurrent callers share one session.
func (r *Registry) connect(ctx context.Context, id string) (*conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		return c, nil
	}
	s, ok := r.servers[id]
	if !ok {
		return nil, apperr.Configuration("mcp connect", fmt.Errorf("%w: %s", ErrUnknownServer, id))
	}
	if missing := s.missingEnv(); len(missing) > 0 {
		return nil, apperr.Newf(apperr.KindConfiguration, "mcp connect",
			"mcp server %s requires environment variables: %s", s.DisplayName(), strings.Join(missing, ", "))
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	sess, err := r.dial(dialCtx, s)
	if err != nil {
		return nil, apperr.Transport("mcp connect "+id, err)
	}
	listed, err := sess.ListTools(dialCtx, gomcp.ListToolsRequest{})
	if err != nil {
		r.closeSession(id, sess)
		return nil, apperr.Transport("mcp list tools "+id, err)
	}

	c := &conn{session: sess}
	for _, t := range listed.Tools {
		tool := newTool(s, t)
		c.tools = append(c.tools, tool)
		r.byName[tool.Name] = tool
	}
	r.conns[id] = c
	r.logger.Info("mcp server connected", "server", id, "transport", s.Transport, "tools", len(c.tools))
	return c, nil
}

func (r *Registry) observe(server, outcome string) {
	if r.opts.OnCall != nil {
		r.opts.OnCall(server, outcome)
	}
}

func newTool(s Server, t gomcp.Tool) Tool {
	desc := t.Description
	if desc == "" {
		desc = fmt.Sprintf("Tool from MCP server %s", s.DisplayName())
	}
	params := json.RawMessage(`{"type":"object"}`)
	if t.InputSchema.Properties != nil || t.InputSchema.Required != nil {
		if data, err := json.Marshal(t.InputSchema); err == nil {
			params = data
		}
	}
	return Tool{
		Name:        QualifiedName(s.ID, t.Name),
		Description: desc,
		Parameters:  params,
		Server:      s.ID,
		Remote:      t.Name,
	}
}

// QualifiedName is the name a server's tool is offered to the model under.
func QualifiedName(server, tool string) string {
	return "mcp_" + sanitize(server) + "_" + sanitize(tool)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// resultText flattens a tool result; non-text content is kept as JSON.
func resultText(res *gomcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case gomcp.TextContent:
			parts = append(parts, v.Text)
		case *gomcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}
