// ABOUTME: Function calling for providers that support it
// ABOUTME: A ToolCaller returns either reply text or the tool calls the model wants made

package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrToolsUnsupported is returned when a provider cannot call tools.
var ErrToolsUnsupported = errors.New("provider does not support tool calls")

// ToolSpec describes a function the model may call. Parameters is a JSON
// schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Completion is a non-streamed reply. When ToolCalls is non-empty the model
// expects their results before it answers.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCaller is implemented by providers with function calling.
type ToolCaller interface {
	CompleteWithTools(ctx context.Context, p Prompt, tools []ToolSpec) (Completion, error)
}
