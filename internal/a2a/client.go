// ABOUTME: JSON-RPC client for A2A agents: agent/message, tasks/get, and tasks/cancel
// ABOUTME: Streams SSE responses as Updates in arrival order; classifies failures as protocol or transport

package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentdesk/internal/apperr"
	"github.com/2389/agentdesk/internal/registry"
)

const (
	// maxPayload bounds a single response body or SSE event.
	maxPayload = 4 * 1024 * 1024

	// DefaultTimeout bounds a non-streaming call.
	DefaultTimeout = 60 * time.Second
)

// SendRequest is one outbound user message.
type SendRequest struct {
	ContextID string
	// TaskID continues a task that asked for input.
	TaskID string
	Text   string
	// CallbackURL and Token are used only when the agent supports push.
	CallbackURL string
	Token       string
}

// Client talks to A2A agents over HTTP.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient creates a client. httpClient may be nil. timeout bounds
// non-streaming calls; streams live as long as ctx.
func NewClient(httpClient *http.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger.With("component", "a2a_client"),
	}
}

// BuildSendParams assembles agent/message params for agent.
func BuildSendParams(agent *registry.Agent, req SendRequest) SendParams {
	params := SendParams{
		Message: Message{
			Kind:        "message",
			Role:        "user",
			Content:     req.Text,
			ContentType: ContentTypeText,
			MessageID:   uuid.NewString(),
			ContextID:   req.ContextID,
			TaskID:      req.TaskID,
			Parts:       []Part{{Kind: "text", Text: req.Text}},
		},
		ContextID: req.ContextID,
		TaskID:    req.TaskID,
		Configuration: &MessageConfiguration{
			Blocking: true,
		},
	}
	if agent.Capabilities.PushNotifications && req.CallbackURL != "" {
		push := &PushNotificationConfig{URL: req.CallbackURL, Token: req.Token}
		if req.Token != "" {
			push.Authentication = &PushAuthentication{Schemes: []string{"Bearer"}}
		}
		params.Configuration.PushNotificationConfig = push
		params.Configuration.Blocking = false
	}
	return params
}

// SendMessage issues agent/message. The returned channel yields every update
// in arrival order and is closed at the end of the response. Errors before
// the first update are returned directly; later stream errors arrive as an
// Update with Err set.
func (c *Client) SendMessage(ctx context.Context, agent *registry.Agent, req SendRequest) (<-chan Update, error) {
	params := BuildSendParams(agent, req)
	streaming := agent.Capabilities.Streaming

	var (
		callCtx     context.Context
		cancel      context.CancelFunc
		headerTimer *time.Timer
	)
	if streaming {
		// A stream stays open while the task runs; only the wait for the
		// response headers is bounded here.
		callCtx, cancel = context.WithCancel(ctx)
		headerTimer = time.AfterFunc(c.timeout, cancel)
	} else {
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	resp, err := c.post(callCtx, agent, MethodSendMessage, params, streaming)
	if headerTimer != nil {
		headerTimer.Stop()
	}
	if err != nil {
		cancel()
		return nil, err
	}

	c.logger.Debug("agent/message sent",
		"agent_id", agent.ID,
		"context_id", req.ContextID,
		"push", params.Configuration.PushNotificationConfig != nil,
		"streaming", streaming,
	)

	if isEventStream(resp) {
		ch := make(chan Update, 16)
		go func() {
			defer cancel()
			defer close(ch)
			defer resp.Body.Close()
			c.readEvents(callCtx, agent.ID, resp.Body, ch)
		}()
		return ch, nil
	}

	defer cancel()
	defer resp.Body.Close()
	u, err := c.readSingle(agent.ID, resp.Body)
	if err != nil {
		return nil, err
	}
	ch := make(chan Update, 1)
	ch <- u
	close(ch)
	return ch, nil
}

// GetTask polls a task with tasks/get.
func (c *Client) GetTask(ctx context.Context, agent *registry.Agent, taskID string) (Update, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, agent, MethodGetTask, TaskIDParams{ID: taskID}, false)
	if err != nil {
		return Update{}, err
	}
	defer resp.Body.Close()
	return c.readSingle(agent.ID, resp.Body)
}

// CancelTask asks the agent to cancel a task with tasks/cancel.
func (c *Client) CancelTask(ctx context.Context, agent *registry.Agent, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, agent, MethodCancelTask, TaskIDParams{ID: taskID}, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return apperr.Transport("tasks/cancel", err)
	}
	var env Response
	if err := json.Unmarshal(payload, &env); err != nil {
		return apperr.Protocol("tasks/cancel", agent.ID, payload, err)
	}
	if env.Error != nil {
		return apperr.Protocol("tasks/cancel", agent.ID, payload, env.Error)
	}
	return nil
}

// post sends one JSON-RPC request and returns a 2xx response.
func (c *Client) post(ctx context.Context, agent *registry.Agent, method string, params any, stream bool) (*http.Response, error) {
	body, err := json.Marshal(Request{
		JSONRPC: JSONRPCVersion,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, apperr.Protocol(method, agent.ID, nil, fmt.Errorf("encoding request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.URL, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Configuration(method, fmt.Errorf("agent %s: %w", agent.ID, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	for k, v := range agent.Authentication.Headers() {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.WithAgent(apperr.Transport(method, fmt.Errorf("agent did not respond in time: %w", err)), agent.ID)
		}
		return nil, apperr.WithAgent(apperr.Transport(method, err), agent.ID)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
		return nil, apperr.Protocol(method, agent.ID, payload, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode))
	}
	return resp, nil
}

func isEventStream(resp *http.Response) bool {
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mt == "text/event-stream"
}

func (c *Client) readSingle(agentID string, body io.Reader) (Update, error) {
	payload, err := io.ReadAll(io.LimitReader(body, maxPayload))
	if err != nil {
		return Update{}, apperr.WithAgent(apperr.Transport("read response", err), agentID)
	}
	return decodeResponse(agentID, payload)
}

// decodeResponse validates a JSON-RPC envelope and decodes its result.
func decodeResponse(agentID string, payload []byte) (Update, error) {
	var env Response
	if err := json.Unmarshal(payload, &env); err != nil {
		return Update{}, apperr.Protocol("decode response", agentID, payload, fmt.Errorf("malformed JSON-RPC envelope: %w", err))
	}
	if env.JSONRPC != JSONRPCVersion {
		return Update{}, apperr.Protocol("decode response", agentID, payload, fmt.Errorf("unexpected jsonrpc version %q", env.JSONRPC))
	}
	if env.Error != nil {
		return Update{}, apperr.Protocol("decode response", agentID, payload, env.Error)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return Update{}, apperr.Protocol("decode response", agentID, payload, fmt.Errorf("response has neither result nor error"))
	}
	u, err := ParseResult(env.Result)
	if err != nil {
		return Update{}, apperr.Protocol("decode response", agentID, payload, err)
	}
	return u, nil
}

// readEvents parses SSE events, each a JSON-RPC response. Artifact text is
// carried into the terminal update when that update has no text of its own.
func (c *Client) readEvents(ctx context.Context, agentID string, body io.Reader, ch chan<- Update) {
	send := func(u Update) bool {
		select {
		case ch <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var artifacts bytes.Buffer
	var data bytes.Buffer

	flush := func() bool {
		if data.Len() == 0 {
			return true
		}
		payload := bytes.Clone(data.Bytes())
		data.Reset()

		u, err := decodeResponse(agentID, payload)
		if err != nil {
			send(Update{Err: err})
			return false
		}
		if u.Artifact {
			artifacts.WriteString(u.Text)
			return true
		}
		if u.State.IsTerminal() && u.Text == "" {
			u.Text = artifacts.String()
		}
		if !send(u) {
			return false
		}
		return !u.State.IsTerminal()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxPayload)
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			// Blank line ends an event.
			if !flush() {
				return
			}
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:"))))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		send(Update{Err: apperr.WithAgent(apperr.Transport("read stream", err), agentID)})
		return
	}
	flush()
}
