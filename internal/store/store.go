// ABOUTME: Store interface and data types for agentdesk conversation persistence
// ABOUTME: Defines Thread and Message records shared by agent contexts and LLM chats

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// OwnerKind says whether a thread talks to an A2A agent or an LLM provider.
type OwnerKind string

const (
	OwnerAgent    OwnerKind = "agent"
	OwnerProvider OwnerKind = "provider"
)

// Role is the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Thread is a single conversation with one agent or provider.
// ContextID is empty until the first agent task creates it.
type Thread struct {
	ID        string
	OwnerKind OwnerKind
	OwnerID   string
	Title     string
	ContextID string
	CreatedAt time.Time
}

// Message is one immutable entry in a thread. Order is insertion order.
type Message struct {
	ID        string
	ThreadID  string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Store persists threads and their messages.
// Agent threads keep messages under contexts/messages; provider threads under
// llm_chats/llm_messages.
type Store interface {
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context) ([]*Thread, error)
	RenameThread(ctx context.Context, id, title string) error

	// AttachContext creates the A2A context row for an agent thread.
	AttachContext(ctx context.Context, threadID, contextID string) error

	// DeleteThread removes the thread and cascades to its messages.
	DeleteThread(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, threadID string) ([]*Message, error)

	Close() error
}
