// ABOUTME: A2A JSON-RPC 2.0 wire types: envelopes, messages, tasks, and push notification config
// ABOUTME: Results are decoded into a flat Update regardless of which result shape the agent sent

package a2a

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSONRPCVersion is the only accepted envelope version.
const JSONRPCVersion = "2.0"

// Methods.
const (
	MethodSendMessage      = "agent/message"
	MethodGetTask          = "tasks/get"
	MethodCancelTask       = "tasks/cancel"
	MethodPushNotification = "pushNotifications/send"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeTaskNotFound   = -32001
)

// ContentTypeText is the content type of every message this client sends.
const ContentTypeText = "text/plain"

// Request is a JSON-RPC request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC response envelope. Result is kept raw because its
// shape depends on the method and the agent.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Part is one content part of a message or artifact.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// Message is an A2A message. Content duplicates the text parts for agents
// that read the flat form.
type Message struct {
	Kind        string `json:"kind,omitempty"`
	Role        string `json:"role"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	ContextID   string `json:"contextId,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	Parts       []Part `json:"parts,omitempty"`
}

// Text returns the concatenated text parts, falling back to Content.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	if t := partsText(m.Parts); t != "" {
		return t
	}
	return m.Content
}

func partsText(parts []Part) string {
	var texts []string
	for _, p := range parts {
		if (p.Kind == "" || p.Kind == "text") && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "")
}

// TaskStatus is the status member of a task.
type TaskStatus struct {
	State     string   `json:"state"`
	Message   *Message `json:"message,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Artifact is an output produced by a task.
type Artifact struct {
	ArtifactID string `json:"artifactId,omitempty"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Task is the wire form of an A2A task.
type Task struct {
	Kind      string     `json:"kind,omitempty"`
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Text returns the status message text, else the artifacts' text.
func (t *Task) Text() string {
	if s := t.Status.Message.Text(); s != "" {
		return s
	}
	var b strings.Builder
	for _, a := range t.Artifacts {
		b.WriteString(partsText(a.Parts))
	}
	return b.String()
}

// PushAuthentication lists the schemes the agent must use on callbacks.
type PushAuthentication struct {
	Schemes []string `json:"schemes"`
}

// PushNotificationConfig tells the agent where to report task progress.
type PushNotificationConfig struct {
	URL            string              `json:"url"`
	Token          string              `json:"token,omitempty"`
	Authentication *PushAuthentication `json:"authentication,omitempty"`
}

// MessageConfiguration is the configuration member of agent/message params.
type MessageConfiguration struct {
	PushNotificationConfig *PushNotificationConfig `json:"pushNotificationConfig,omitempty"`
	Blocking               bool                    `json:"blocking"`
}

// SendParams are the params of agent/message.
type SendParams struct {
	Message       Message               `json:"message"`
	ContextID     string                `json:"contextId,omitempty"`
	TaskID        string                `json:"taskId,omitempty"`
	Configuration *MessageConfiguration `json:"configuration,omitempty"`
}

// TaskIDParams are the params of tasks/get and tasks/cancel.
type TaskIDParams struct {
	ID string `json:"id"`
}

// PushParams are the params of pushNotifications/send.
type PushParams struct {
	Task *Task `json:"task"`
}

// statusUpdateEvent and artifactUpdateEvent are streaming result shapes.
type statusUpdateEvent struct {
	Kind      string     `json:"kind"`
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

type artifactUpdateEvent struct {
	Kind      string   `json:"kind"`
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId"`
	Artifact  Artifact `json:"artifact"`
}

// Update is one observed change of a task, from a response, stream event,
// poll, or push notification.
type Update struct {
	TaskID    string
	ContextID string
	State     TaskState
	Text      string
	// Final is set when the agent marks a stream event as its last.
	Final bool
	// Artifact is set for artifact events, which carry text but no state.
	Artifact bool
	Raw      json.RawMessage
	// Err terminates a stream. No other field is meaningful when set.
	Err error
}

// TaskUpdate converts a wire task.
func TaskUpdate(t *Task, raw json.RawMessage) (Update, error) {
	state, err := ParseState(t.Status.State)
	if err != nil {
		return Update{}, err
	}
	return Update{
		TaskID:    t.ID,
		ContextID: t.ContextID,
		State:     state,
		Text:      t.Text(),
		Final:     state.IsTerminal(),
		Raw:       raw,
	}, nil
}

// ParseResult decodes a response result into an Update. Accepted shapes are a
// task (bare or under "task"), a status-update event, an artifact-update
// event, and a direct message, which means the agent answered synchronously.
func ParseResult(raw json.RawMessage) (Update, error) {
	var shape struct {
		Kind   string          `json:"kind"`
		Task   json.RawMessage `json:"task"`
		Status json.RawMessage `json:"status"`
		Role   string          `json:"role"`
		Parts  json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return Update{}, fmt.Errorf("decoding result: %w", err)
	}

	switch {
	case shape.Kind == "status-update":
		var ev statusUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Update{}, fmt.Errorf("decoding status update: %w", err)
		}
		state, err := ParseState(ev.Status.State)
		if err != nil {
			return Update{}, err
		}
		return Update{
			TaskID:    ev.TaskID,
			ContextID: ev.ContextID,
			State:     state,
			Text:      ev.Status.Message.Text(),
			Final:     ev.Final || state.IsTerminal(),
			Raw:       raw,
		}, nil

	case shape.Kind == "artifact-update":
		var ev artifactUpdateEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Update{}, fmt.Errorf("decoding artifact update: %w", err)
		}
		return Update{
			TaskID:    ev.TaskID,
			ContextID: ev.ContextID,
			Text:      partsText(ev.Artifact.Parts),
			Artifact:  true,
			Raw:       raw,
		}, nil

	case len(shape.Task) > 0 && string(shape.Task) != "null":
		return ParseResult(shape.Task)

	case shape.Kind == "message" || (len(shape.Status) == 0 && (shape.Role != "" || len(shape.Parts) > 0)):
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return Update{}, fmt.Errorf("decoding message: %w", err)
		}
		return Update{
			TaskID:    m.TaskID,
			ContextID: m.ContextID,
			State:     StateCompleted,
			Text:      m.Text(),
			Final:     true,
			Raw:       raw,
		}, nil

	case len(shape.Status) > 0:
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return Update{}, fmt.Errorf("decoding task: %w", err)
		}
		return TaskUpdate(&t, raw)

	default:
		return Update{}, fmt.Errorf("unrecognized result shape")
	}
}
