// ABOUTME: Scriptable fake A2A agent for tests and local end-to-end runs
// ABOUTME: Answers synchronously, as an SSE stream, or asynchronously with push notifications

package a2atest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	sdk "github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"

	"github.com/2389/agentdesk/internal/a2a"
)

// Mode selects how the agent answers agent/message.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeStream Mode = "stream"
	ModeAsync  Mode = "async"
)

// Agent is an http.Handler speaking enough A2A JSON-RPC for the client.
type Agent struct {
	Name string
	Mode Mode
	// Reply computes the answer; default echoes the input.
	Reply func(text string) string
	// Ask, when set, makes the first message of each task end in
	// input_required with this question.
	Ask string
	// Questions are asked one per message of a task, in order, before it
	// completes. They take precedence over Ask.
	Questions []string
	// AutoPush, in async mode, pushes working then completed after this
	// delay. Zero means tests call Push themselves.
	AutoPush time.Duration

	logger *slog.Logger
	client *http.Client

	mu       sync.Mutex
	tasks    map[string]*record
	requests []a2a.SendParams
	headers  []http.Header
	canceled []string
	server   *httptest.Server
}

type record struct {
	task     a2a.Task
	push     *a2a.PushNotificationConfig
	lastText string
	asked    int
}

// New creates an agent in mode.
func New(mode Mode) *Agent {
	return &Agent{
		Name:   "Fake Agent",
		Mode:   mode,
		logger: slog.Default().With("component", "fake_agent"),
		client: &http.Client{Timeout: 10 * time.Second},
		tasks:  make(map[string]*record),
	}
}

// SetLogger replaces the agent's logger.
func (a *Agent) SetLogger(l *slog.Logger) {
	a.logger = l.With("component", "fake_agent")
}

// Start serves the agent on a local test server and returns its URL.
func (a *Agent) Start() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		a.server = httptest.NewServer(a)
	}
	return a.server.URL
}

// Close stops the test server.
func (a *Agent) Close() {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
}

// Requests returns the agent/message params received so far.
func (a *Agent) Requests() []a2a.SendParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]a2a.SendParams(nil), a.requests...)
}

// Headers returns the HTTP headers of every JSON-RPC request received.
func (a *Agent) Headers() []http.Header {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]http.Header(nil), a.headers...)
}

// Canceled returns task ids received via tasks/cancel.
func (a *Agent) Canceled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.canceled...)
}

// Task returns the agent's view of a task.
func (a *Agent) Task(id string) (a2a.Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.tasks[id]
	if !ok {
		return a2a.Task{}, false
	}
	return r.task, true
}

// TaskIDs returns every task id the agent has created.
func (a *Agent) TaskIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.tasks))
	for id := range a.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (a *Agent) reply(text string) string {
	if a.Reply != nil {
		return a.Reply(text)
	}
	return "Echo: " + text
}

// ServeHTTP implements http.Handler.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/.well-known/agent-card.json") {
		a.serveCard(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, nil, nil, &a2a.RPCError{Code: a2a.CodeParseError, Message: "parse error"})
		return
	}

	a.mu.Lock()
	a.headers = append(a.headers, r.Header.Clone())
	a.mu.Unlock()

	switch req.Method {
	case a2a.MethodSendMessage:
		var params a2a.SendParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPC(w, req.ID, nil, &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: err.Error()})
			return
		}
		a.handleMessage(w, req.ID, params)
	case a2a.MethodGetTask, a2a.MethodCancelTask:
		var params a2a.TaskIDParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPC(w, req.ID, nil, &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: err.Error()})
			return
		}
		a.handleTask(w, req.ID, req.Method, params.ID)
	default:
		writeRPC(w, req.ID, nil, &a2a.RPCError{Code: a2a.CodeMethodNotFound, Message: "method not found"})
	}
}

func (a *Agent) serveCard(w http.ResponseWriter, r *http.Request) {
	card := sdk.AgentCard{
		Name:               a.Name,
		Description:        fmt.Sprintf("Fake A2A agent answering in %s mode", a.Mode),
		URL:                "http://" + r.Host,
		Version:            "1.0.0",
		ProtocolVersion:    "0.3.0",
		DefaultInputModes:  []string{a2a.ContentTypeText},
		DefaultOutputModes: []string{a2a.ContentTypeText},
		Capabilities: sdk.AgentCapabilities{
			Streaming:         a.Mode == ModeStream,
			PushNotifications: a.Mode == ModeAsync,
		},
		Skills: []sdk.AgentSkill{{ID: "echo", Name: "Echo", Description: "Repeats the input", Tags: []string{"test"}}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

func (a *Agent) handleMessage(w http.ResponseWriter, id any, params a2a.SendParams) {
	text := params.Message.Text()

	a.mu.Lock()
	a.requests = append(a.requests, params)
	taskID := params.TaskID
	rec, continuing := a.tasks[taskID]
	if !continuing {
		taskID = uuid.NewString()
		rec = &record{task: a2a.Task{Kind: "task", ID: taskID, ContextID: params.ContextID}}
		a.tasks[taskID] = rec
	}
	rec.lastText = text
	if params.Configuration != nil && params.Configuration.PushNotificationConfig != nil {
		rec.push = params.Configuration.PushNotificationConfig
	}
	questions := a.Questions
	if len(questions) == 0 && a.Ask != "" {
		questions = []string{a.Ask}
	}
	question := ""
	if rec.asked < len(questions) {
		question = questions[rec.asked]
		rec.asked++
	}
	a.mu.Unlock()

	finalState, finalText := a2a.StateCompleted, a.reply(text)
	if question != "" {
		finalState, finalText = a2a.StateInputRequired, question
	}

	switch a.Mode {
	case ModeStream:
		a.stream(w, id, taskID, params.ContextID, finalState, finalText)

	case ModeAsync:
		task := a.setState(taskID, a2a.StateSubmitted, "")
		writeRPC(w, id, task, nil)
		if a.AutoPush > 0 {
			go func() {
				time.Sleep(a.AutoPush)
				ctx := context.Background()
				if err := a.Push(ctx, taskID, a2a.StateWorking, ""); err != nil {
					a.logger.Warn("push failed", "task_id", taskID, "error", err)
					return
				}
				if err := a.Push(ctx, taskID, finalState, finalText); err != nil {
					a.logger.Warn("push failed", "task_id", taskID, "error", err)
				}
			}()
		}

	default:
		writeRPC(w, id, a.setState(taskID, finalState, finalText), nil)
	}
}

func (a *Agent) stream(w http.ResponseWriter, id any, taskID, contextID string, state a2a.TaskState, text string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	event := func(result any) {
		data, _ := json.Marshal(map[string]any{"jsonrpc": a2a.JSONRPCVersion, "id": id, "result": result})
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	a.setState(taskID, a2a.StateSubmitted, "")
	event(map[string]any{"kind": "task", "id": taskID, "contextId": contextID, "status": map[string]any{"state": "submitted"}})
	a.setState(taskID, a2a.StateWorking, "")
	event(map[string]any{"kind": "status-update", "taskId": taskID, "contextId": contextID, "status": map[string]any{"state": "working"}, "final": false})

	if state == a2a.StateInputRequired {
		a.setState(taskID, state, text)
		event(map[string]any{
			"kind": "status-update", "taskId": taskID, "contextId": contextID, "final": true,
			"status": map[string]any{"state": state.WireState(), "message": agentMessage(text)},
		})
		return
	}

	event(map[string]any{
		"kind": "artifact-update", "taskId": taskID, "contextId": contextID,
		"artifact": a2a.Artifact{ArtifactID: uuid.NewString(), Parts: []a2a.Part{{Kind: "text", Text: text}}},
	})
	a.setState(taskID, state, text)
	event(map[string]any{"kind": "status-update", "taskId": taskID, "contextId": contextID, "status": map[string]any{"state": state.WireState()}, "final": true})
}

func (a *Agent) handleTask(w http.ResponseWriter, id any, method, taskID string) {
	a.mu.Lock()
	rec, ok := a.tasks[taskID]
	if ok && method == a2a.MethodCancelTask {
		a.canceled = append(a.canceled, taskID)
		if !a2aTerminal(rec.task.Status.State) {
			rec.task.Status = a2a.TaskStatus{State: string(a2a.StateCanceled)}
		}
	}
	var task a2a.Task
	if ok {
		task = rec.task
	}
	a.mu.Unlock()

	if !ok {
		writeRPC(w, id, nil, &a2a.RPCError{Code: a2a.CodeTaskNotFound, Message: "task not found"})
		return
	}
	writeRPC(w, id, task, nil)
}

func a2aTerminal(wire string) bool {
	s, err := a2a.ParseState(wire)
	return err == nil && s.IsTerminal()
}

func (a *Agent) setState(taskID string, state a2a.TaskState, text string) a2a.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.tasks[taskID]
	rec.task.Status = a2a.TaskStatus{
		State:     state.WireState(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if text != "" {
		rec.task.Status.Message = agentMessage(text)
	}
	return rec.task
}

func agentMessage(text string) *a2a.Message {
	return &a2a.Message{
		Kind:      "message",
		Role:      "agent",
		MessageID: uuid.NewString(),
		Parts:     []a2a.Part{{Kind: "text", Text: text}},
	}
}

// Resolve moves a task to state without notifying anyone, for clients that
// poll with tasks/get.
func (a *Agent) Resolve(taskID string, state a2a.TaskState, text string) (a2a.Task, error) {
	a.mu.Lock()
	_, ok := a.tasks[taskID]
	a.mu.Unlock()
	if !ok {
		return a2a.Task{}, fmt.Errorf("unknown task %s", taskID)
	}
	return a.setState(taskID, state, text), nil
}

// Push moves a task to state and delivers pushNotifications/send to the
// callback the client configured, with its token as a bearer credential.
func (a *Agent) Push(ctx context.Context, taskID string, state a2a.TaskState, text string) error {
	a.mu.Lock()
	rec, ok := a.tasks[taskID]
	var push *a2a.PushNotificationConfig
	if ok {
		push = rec.push
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	if push == nil {
		return fmt.Errorf("task %s has no push configuration", taskID)
	}

	task := a.setState(taskID, state, text)
	return PushTo(ctx, a.client, push.URL, push.Token, task)
}

// PushTo sends one push notification carrying task to url.
func PushTo(ctx context.Context, client *http.Client, url, token string, task a2a.Task) error {
	body, err := json.Marshal(a2a.Request{
		JSONRPC: a2a.JSONRPCVersion,
		ID:      uuid.NewString(),
		Method:  a2a.MethodPushNotification,
		Params:  a2a.PushParams{Task: &task},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push rejected with status %d", resp.StatusCode)
	}
	return nil
}

func writeRPC(w http.ResponseWriter, id any, result any, rpcErr *a2a.RPCError) {
	out := map[string]any{"jsonrpc": a2a.JSONRPCVersion, "id": id}
	if rpcErr != nil {
		out["error"] = rpcErr
	} else {
		out["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
