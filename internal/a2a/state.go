// ABOUTME: Task states and tolerant parsing of the state strings agents send
// ABOUTME: Accepts SDK-style prefixes, any case, hyphen or underscore, and both spellings of canceled

package a2a

import (
	"fmt"
	"strings"

	"github.com/2389/agentdesk/internal/apperr"
)

// TaskState is the normalized state of a task.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input_required"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateCanceled      TaskState = "canceled"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// WireState is the spelling used in outbound JSON.
func (s TaskState) WireState() string {
	if s == StateInputRequired {
		return "input-required"
	}
	return string(s)
}

var stateAliases = map[string]TaskState{
	"submitted":      StateSubmitted,
	"working":        StateWorking,
	"input_required": StateInputRequired,
	"auth_required":  StateInputRequired,
	"completed":      StateCompleted,
	"failed":         StateFailed,
	"rejected":       StateFailed,
	"canceled":       StateCanceled,
	"cancelled":      StateCanceled,
}

// ParseState normalizes a wire state. Unknown or empty states are protocol
// errors.
func ParseState(raw string) (TaskState, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndex(s, "taskstate."); i >= 0 {
		s = s[i+len("taskstate."):]
	}
	s = strings.ReplaceAll(s, "-", "_")

	if state, ok := stateAliases[s]; ok {
		return state, nil
	}
	return "", apperr.Protocol("parse task state", "", []byte(raw), fmt.Errorf("unknown task state %q", raw))
}
