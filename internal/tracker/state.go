// ABOUTME: Allowed task state transitions
// ABOUTME: Terminal states are final; repeating the current state is not a transition

package tracker

import "github.com/2389/agentdesk/internal/a2a"

var transitions = map[a2a.TaskState][]a2a.TaskState{
	a2a.StateSubmitted: {
		a2a.StateWorking, a2a.StateInputRequired,
		a2a.StateCompleted, a2a.StateFailed, a2a.StateCanceled,
	},
	a2a.StateWorking: {
		a2a.StateInputRequired,
		a2a.StateCompleted, a2a.StateFailed, a2a.StateCanceled,
	},
	a2a.StateInputRequired: {
		a2a.StateWorking,
		a2a.StateCompleted, a2a.StateFailed, a2a.StateCanceled,
	},
}

// CanTransition reports whether a task in from may move to to. The empty
// state is a task not yet seen, which may enter any state.
func CanTransition(from, to a2a.TaskState) bool {
	if to == "" || from == to {
		return false
	}
	if from == "" {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
