// ABOUTME: Thread manager: creates, lists, and deletes conversation threads per agent or provider
// ABOUTME: Enforces the per-owner thread limit and one outstanding send per thread

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/apperr"
	"github.com/2389/agentdesk/internal/llm"
	"github.com/2389/agentdesk/internal/registry"
	"github.com/2389/agentdesk/internal/store"
	"github.com/2389/agentdesk/internal/tracker"
)

var (
	// ErrThreadBusy is returned when a thread already has a send outstanding.
	ErrThreadBusy = errors.New("thread has a message in flight")
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

const (
	// DefaultMaxPerOwner is the thread limit per agent or provider.
	DefaultMaxPerOwner = 4

	// DefaultSystemPrompt leads every LLM conversation.
	DefaultSystemPrompt = "You are a helpful AI assistant. Provide clear, accurate, and concise responses to user queries."

	// Placeholder is appended while an agent works on a task asynchronously.
	Placeholder = "Working on it..."

	// DefaultMaxToolRounds bounds tool calling for one user message.
	DefaultMaxToolRounds = 5

	cancelTimeout = 5 * time.Second
)

// AgentDirectory resolves agents by id.
type AgentDirectory interface {
	Get(id string) (*registry.Agent, error)
}

// AgentClient is the A2A protocol client.
type AgentClient interface {
	SendMessage(ctx context.Context, agent *registry.Agent, req a2a.SendRequest) (<-chan a2a.Update, error)
	GetTask(ctx context.Context, agent *registry.Agent, taskID string) (a2a.Update, error)
	CancelTask(ctx context.Context, agent *registry.Agent, taskID string) error
}

// LLM is the provider router.
type LLM interface {
	Has(name string) bool
	Generate(ctx context.Context, name string, p llm.Prompt) (<-chan llm.Chunk, error)
	CompleteWithTools(ctx context.Context, name string, p llm.Prompt, tools []llm.ToolSpec) (llm.Completion, error)
}

// CallbackSource yields the current push callback URL, "" when none.
type CallbackSource interface {
	CallbackURL() string
}

// TokenIssuer mints per-call notification tokens.
type TokenIssuer interface {
	Issue(threadID, callID string) (string, error)
}

// Deps are the collaborators of a Manager. Callbacks and Tokens may be nil,
// in which case agents are never given a push callback. A nil Tools leaves
// LLM threads without tools.
type Deps struct {
	Store     store.Store
	Agents    AgentDirectory
	Client    AgentClient
	LLM       LLM
	Callbacks CallbackSource
	Tokens    TokenIssuer
	Tools     ToolBox
}

// Options tunes a Manager.
type Options struct {
	MaxPerOwner  int
	SystemPrompt string
	// Poll asks agents for task state when no push callback could be given.
	Poll    bool
	Tracker tracker.Options
	// MaxToolRounds bounds model turns that request tools for one message.
	MaxToolRounds int
	// OnThreadCreated observes thread creation.
	OnThreadCreated func(kind store.OwnerKind)
}

// Manager is the top-level orchestrator for threads.
type Manager struct {
	deps    Deps
	opts    Options
	tracker *tracker.Tracker
	events  *broadcaster
	logger  *slog.Logger

	mu      sync.Mutex
	threads map[string]*thread

	// appendMu orders persisted appends with their published events.
	appendMu sync.Mutex
}

type thread struct {
	rec  store.Thread
	busy bool
	// pendingTask is a task waiting for the user's answer.
	pendingTask string
	draft       string
	cancel      context.CancelFunc
	// tools are the MCP servers an LLM thread may call. Not persisted.
	tools []string

	// call is the outbound call whose response is still being read. Task
	// events for it are deferred until the response has been handled.
	call     string
	deferred []tracker.Event
}

// New creates a manager and its task tracker.
func New(deps Deps, opts Options, logger *slog.Logger) *Manager {
	if opts.MaxPerOwner <= 0 {
		opts.MaxPerOwner = DefaultMaxPerOwner
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		deps:    deps,
		opts:    opts,
		events:  newBroadcaster(logger),
		logger:  logger.With("component", "session"),
		threads: make(map[string]*thread),
	}
	m.tracker = tracker.New(opts.Tracker, m.onTaskEvent, logger)
	return m
}

// Tracker exposes the task tracker for the webhook receiver.
func (m *Manager) Tracker() *tracker.Tracker { return m.tracker }

// Close stops the tracker and closes subscriber channels.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, t := range m.threads {
		if t.cancel != nil {
			t.cancel()
		}
	}
	m.mu.Unlock()
	m.tracker.Close()
	m.events.close()
}

// Subscribe streams events for threadID, or for every thread when threadID is
// empty, until ctx is canceled.
func (m *Manager) Subscribe(ctx context.Context, threadID string) <-chan Event {
	return m.events.subscribe(ctx, threadID)
}

// Restore loads persisted threads. Threads already loaded are kept.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.deps.Store.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("restoring threads: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if _, ok := m.threads[rec.ID]; ok {
			continue
		}
		m.threads[rec.ID] = &thread{rec: *rec, tools: m.defaultTools(rec.OwnerKind)}
	}
	m.logger.Info("threads restored", "count", len(recs))
	return nil
}

// CreateThread opens a new thread with an agent or provider. An empty title
// gets a time-based default.
func (m *Manager) CreateThread(ctx context.Context, kind store.OwnerKind, ownerID, title string) (*store.Thread, error) {
	if err := m.checkOwner(kind, ownerID); err != nil {
		return nil, err
	}
	now := time.Now()
	if strings.TrimSpace(title) == "" {
		title = "Thread " + now.Format("15:04:05")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, t := range m.threads {
		if t.rec.OwnerKind == kind && t.rec.OwnerID == ownerID {
			count++
		}
	}
	if count >= m.opts.MaxPerOwner {
		return nil, apperr.Newf(apperr.KindCapacity, "create thread",
			"%s %s already has %d threads", kind, ownerID, m.opts.MaxPerOwner)
	}

	rec := store.Thread{
		ID:        ulid.Make().String(),
		OwnerKind: kind,
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
	}
	if err := m.deps.Store.CreateThread(ctx, &rec); err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}
	m.threads[rec.ID] = &thread{rec: rec, tools: m.defaultTools(kind)}

	m.logger.Info("thread created", "thread_id", rec.ID, "owner_kind", kind, "owner_id", ownerID)
	if m.opts.OnThreadCreated != nil {
		m.opts.OnThreadCreated(kind)
	}
	cp := rec
	m.events.publish(Event{Kind: EventThreadCreated, ThreadID: rec.ID, Thread: &cp})
	return &cp, nil
}

func (m *Manager) checkOwner(kind store.OwnerKind, ownerID string) error {
	switch kind {
	case store.OwnerAgent:
		if _, err := m.deps.Agents.Get(ownerID); err != nil {
			return apperr.Configuration("create thread", err)
		}
	case store.OwnerProvider:
		if !m.deps.LLM.Has(ownerID) {
			return apperr.Newf(apperr.KindConfiguration, "create thread", "provider %q is not configured", ownerID)
		}
	default:
		return apperr.Newf(apperr.KindConfiguration, "create thread", "unknown owner kind %q", kind)
	}
	return nil
}

// DeleteThread removes a thread and its messages. An outstanding task is
// deregistered and the agent is asked to cancel it in the background.
func (m *Manager) DeleteThread(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.threads[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("thread %s: %w", id, store.ErrNotFound)
	}
	delete(m.threads, id)
	if t.cancel != nil {
		t.cancel()
	}
	rec := t.rec
	m.mu.Unlock()

	canceled := m.tracker.Cancel(id)
	if rec.OwnerKind == store.OwnerAgent {
		m.cancelRemote(rec.OwnerID, canceled)
	}

	if err := m.deps.Store.DeleteThread(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting thread: %w", err)
	}
	m.logger.Info("thread deleted", "thread_id", id, "canceled_tasks", len(canceled))
	m.events.publish(Event{Kind: EventThreadDeleted, ThreadID: id})
	return nil
}

// cancelRemote sends tasks/cancel for each task without blocking the caller.
func (m *Manager) cancelRemote(agentID string, canceled []tracker.Canceled) {
	agent, err := m.deps.Agents.Get(agentID)
	if err != nil {
		return
	}
	for _, c := range canceled {
		if c.TaskID == "" {
			continue
		}
		go func(taskID string) {
			ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
			defer cancel()
			if err := m.deps.Client.CancelTask(ctx, agent, taskID); err != nil {
				m.logger.Debug("best-effort cancel failed", "agent_id", agent.ID, "task_id", taskID, "error", err)
			}
		}(c.TaskID)
	}
}

// RenameThread changes a thread's title.
func (m *Manager) RenameThread(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return fmt.Errorf("thread %s: %w", id, store.ErrNotFound)
	}
	if err := m.deps.Store.RenameThread(ctx, id, title); err != nil {
		return fmt.Errorf("renaming thread: %w", err)
	}
	t.rec.Title = title
	cp := t.rec
	m.events.publish(Event{Kind: EventThreadRenamed, ThreadID: id, Thread: &cp})
	return nil
}

// Thread returns a thread by id.
func (m *Manager) Thread(id string) (*store.Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, false
	}
	cp := t.rec
	return &cp, true
}

// ListThreads returns the threads of one owner, oldest first. An empty
// ownerID lists every thread of kind; an empty kind lists everything.
func (m *Manager) ListThreads(kind store.OwnerKind, ownerID string) []*store.Thread {
	m.mu.Lock()
	out := make([]*store.Thread, 0, len(m.threads))
	for _, t := range m.threads {
		if kind != "" && t.rec.OwnerKind != kind {
			continue
		}
		if ownerID != "" && t.rec.OwnerID != ownerID {
			continue
		}
		cp := t.rec
		out = append(out, &cp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Messages returns a thread's messages in append order.
func (m *Manager) Messages(ctx context.Context, id string) ([]*store.Message, error) {
	return m.deps.Store.ListMessages(ctx, id)
}

// Busy reports whether the thread has a send outstanding.
func (m *Manager) Busy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	return ok && t.busy
}

// Draft returns the partial reply being streamed into a thread.
func (m *Manager) Draft(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[id]; ok {
		return t.draft
	}
	return ""
}

// AwaitingInput reports whether an agent asked a question the next send answers.
func (m *Manager) AwaitingInput(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	return ok && t.pendingTask != ""
}

func (m *Manager) setBusy(id string, busy bool) {
	m.mu.Lock()
	t, ok := m.threads[id]
	if ok {
		t.busy = busy
		if !busy && t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	}
	m.mu.Unlock()
	if ok {
		m.events.publish(Event{Kind: EventBusyChanged, ThreadID: id, Busy: busy})
	}
}

// appendMessage persists and publishes one message. Appends to a deleted
// thread are dropped.
func (m *Manager) appendMessage(ctx context.Context, threadID string, role store.Role, content string) (*store.Message, error) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	m.mu.Lock()
	_, ok := m.threads[threadID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}

	msg := &store.Message{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := m.deps.Store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	cp := *msg
	m.events.publish(Event{Kind: EventMessageAppended, ThreadID: threadID, Message: &cp})
	return msg, nil
}

// appendError records err as a system message in the thread.
func (m *Manager) appendError(threadID string, err error) {
	content := "Error: " + err.Error()
	switch apperr.KindOf(err) {
	case apperr.KindConfiguration:
		content = "Configuration error: " + err.Error()
	case apperr.KindTransport:
		content = "Connection error: " + err.Error() + " (you can retry)"
	case apperr.KindProtocol:
		content = "Protocol error: " + err.Error()
	case apperr.KindTimeout:
		content = "Timed out: " + err.Error()
	}
	if _, aerr := m.appendMessage(context.Background(), threadID, store.RoleSystem, content); aerr != nil {
		m.logger.Warn("could not record error in thread", "thread_id", threadID, "error", aerr)
	}
}
