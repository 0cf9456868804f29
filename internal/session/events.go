// ABOUTME: Live thread events published to the presentation layer

package session

import "github.com/2389/agentdesk/internal/store"

// EventKind names what changed.
type EventKind string

const (
	EventThreadCreated   EventKind = "thread_created"
	EventThreadDeleted   EventKind = "thread_deleted"
	EventThreadRenamed   EventKind = "thread_renamed"
	EventMessageAppended EventKind = "message_appended"
	EventDraftUpdated    EventKind = "draft_updated"
	EventBusyChanged     EventKind = "busy_changed"
	EventTaskStatus      EventKind = "task_status"
)

// Event is one change to a thread. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	ThreadID string
	Thread   *store.Thread
	Message  *store.Message
	// Draft is the streamed reply so far.
	Draft string
	Busy  bool
	// Status is the agent task state for EventTaskStatus.
	Status string
}
