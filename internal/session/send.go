// ABOUTME: User message routing to LLM providers and A2A agents
// ABOUTME: Streams LLM drafts, correlates agent tasks, and turns failures into system messages

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/apperr"
	"github.com/2389/agentdesk/internal/llm"
	"github.com/2389/agentdesk/internal/registry"
	"github.com/2389/agentdesk/internal/store"
	"github.com/2389/agentdesk/internal/tracker"
)

// SendUserMessage appends text to a thread and asks its agent or provider for
// a reply. It returns once the reply is appended, or, for an agent working
// asynchronously, once the placeholder is. A failure is recorded in the thread
// as a system message and also returned.
func (m *Manager) SendUserMessage(ctx context.Context, threadID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	t, ok := m.threads[threadID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	if t.busy {
		m.mu.Unlock()
		return ErrThreadBusy
	}
	t.busy = true
	callCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	rec := t.rec
	m.mu.Unlock()
	m.events.publish(Event{Kind: EventBusyChanged, ThreadID: threadID, Busy: true})

	if rec.OwnerKind == store.OwnerProvider {
		defer cancel()
		return m.sendLLM(callCtx, rec, text)
	}
	return m.sendAgent(callCtx, cancel, rec, text)
}

func (m *Manager) sendLLM(ctx context.Context, rec store.Thread, text string) error {
	defer m.setBusy(rec.ID, false)

	history, err := m.deps.Store.ListMessages(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if _, err := m.appendMessage(ctx, rec.ID, store.RoleUser, text); err != nil {
		return err
	}

	prompt := llm.Prompt{
		System:  m.opts.SystemPrompt,
		History: toTurns(history),
		Text:    text,
	}
	if reply, ok, err := m.toolReply(ctx, rec, prompt); ok {
		return m.finishReply(ctx, rec, reply, err)
	}

	ch, err := m.deps.LLM.Generate(ctx, rec.OwnerID, prompt)
	if err != nil {
		m.appendError(rec.ID, err)
		return err
	}

	var draft strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			err = chunk.Err
			break
		}
		if chunk.Text == "" {
			continue
		}
		draft.WriteString(chunk.Text)
		m.setDraft(rec.ID, draft.String())
	}
	m.setDraft(rec.ID, "")
	return m.finishReply(ctx, rec, draft.String(), err)
}

// finishReply appends an LLM reply, or the failure that ended it.
func (m *Manager) finishReply(ctx context.Context, rec store.Thread, reply string, err error) error {
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		m.appendError(rec.ID, err)
		return err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		err := apperr.Newf(apperr.KindProtocol, "generate", "provider %s returned an empty reply", rec.OwnerID)
		m.appendError(rec.ID, err)
		return err
	}
	_, err = m.appendMessage(ctx, rec.ID, store.RoleAgent, reply)
	return err
}

func (m *Manager) setDraft(threadID, draft string) {
	m.mu.Lock()
	if t, ok := m.threads[threadID]; ok {
		t.draft = draft
	}
	m.mu.Unlock()
	m.events.publish(Event{Kind: EventDraftUpdated, ThreadID: threadID, Draft: draft})
}

// toTurns converts stored messages to LLM history; system notes are local.
func toTurns(msgs []*store.Message) []llm.Turn {
	turns := make([]llm.Turn, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case store.RoleUser:
			turns = append(turns, llm.Turn{Role: "user", Content: msg.Content})
		case store.RoleAgent:
			turns = append(turns, llm.Turn{Role: "assistant", Content: msg.Content})
		}
	}
	return turns
}

// agentCall is the bookkeeping of one outbound agent/message.
type agentCall struct {
	callID  string
	taskID  string
	resumed bool
	push    bool
}

func (m *Manager) sendAgent(ctx context.Context, cancel context.CancelFunc, rec store.Thread, text string) error {
	agent, err := m.deps.Agents.Get(rec.OwnerID)
	if err != nil {
		cancel()
		err = apperr.Configuration("send message", err)
		m.appendError(rec.ID, err)
		m.setBusy(rec.ID, false)
		return err
	}

	contextID, err := m.ensureContext(ctx, rec)
	if err != nil {
		cancel()
		m.setBusy(rec.ID, false)
		return err
	}

	call, req, err := m.prepareCall(rec.ID, agent, contextID, text)
	if err != nil {
		cancel()
		m.appendError(rec.ID, err)
		m.setBusy(rec.ID, false)
		return err
	}

	if _, err := m.appendMessage(ctx, rec.ID, store.RoleUser, text); err != nil {
		cancel()
		m.releaseCall(rec.ID, call)
		m.tracker.Abandon(call.callID)
		m.setBusy(rec.ID, false)
		return err
	}

	updates, err := m.deps.Client.SendMessage(ctx, agent, req)
	if err != nil {
		cancel()
		m.failCall(rec.ID, call, err)
		return err
	}

	var (
		last      a2a.Update
		applied   bool
		pending   bool
		streamErr error
	)
	for u := range updates {
		if u.Err != nil {
			streamErr = u.Err
			break
		}
		if u.TaskID != "" && call.taskID == "" {
			call.taskID = u.TaskID
		}
		if u.ContextID != "" && u.ContextID != contextID {
			m.logger.Debug("agent answered in another context", "thread_id", rec.ID, "context_id", u.ContextID)
		}
		if m.tracker.Apply(call.callID, u, tracker.SourceResponse) {
			applied = true
			last = u
			m.events.publish(Event{Kind: EventTaskStatus, ThreadID: rec.ID, Status: string(u.State)})
		}
		// A task still pending is detached now; the rest of a stream is read
		// in the background.
		if u.State == a2a.StateSubmitted || u.State == a2a.StateWorking {
			pending = true
			break
		}
	}

	if streamErr != nil {
		cancel()
		m.failCall(rec.ID, call, streamErr)
		return streamErr
	}

	switch {
	case pending:
	case applied && last.State.IsTerminal():
		cancel()
		m.releaseCall(rec.ID, call)
		m.resolve(rec.ID, tracker.Event{
			CallID: call.callID, ThreadID: rec.ID, TaskID: call.taskID,
			State: last.State, Text: last.Text, Source: tracker.SourceResponse,
		})
		return taskError(last)

	case applied && last.State == a2a.StateInputRequired:
		m.tracker.Detach(call.callID, nil)
		cancel()
		m.releaseCall(rec.ID, call)
		m.resolve(rec.ID, tracker.Event{
			CallID: call.callID, ThreadID: rec.ID, TaskID: call.taskID,
			State: last.State, Text: last.Text, Source: tracker.SourceResponse,
		})
		return nil
	}

	// The agent is working asynchronously, or a push already resolved the
	// task before the response was read.
	var poll tracker.PollFunc
	if !call.push && m.opts.Poll {
		poll = func(ctx context.Context, taskID string) (a2a.Update, error) {
			return m.deps.Client.GetTask(ctx, agent, taskID)
		}
	}
	live := m.tracker.Detach(call.callID, poll)
	if live || pending {
		if _, err := m.appendMessage(context.Background(), rec.ID, store.RoleAgent, Placeholder); err != nil {
			m.logger.Warn("could not append placeholder", "thread_id", rec.ID, "error", err)
		}
	}
	m.logger.Info("agent task pending",
		"thread_id", rec.ID, "agent_id", agent.ID, "task_id", call.taskID, "push", call.push, "polling", poll != nil)
	m.releaseCall(rec.ID, call)
	if !live {
		cancel()
		return nil
	}
	go m.drainStream(ctx, cancel, rec.ID, call, updates)
	return nil
}

// drainStream applies what is left of a response after its call was
// detached. The updates reach the thread through the tracker handler. The
// call context is canceled when the task resolves, so a stalled stream ends
// with the task timeout.
func (m *Manager) drainStream(ctx context.Context, cancel context.CancelFunc, threadID string, call *agentCall, updates <-chan a2a.Update) {
	defer cancel()
	for u := range updates {
		if u.Err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("agent stream ended early",
					"thread_id", threadID, "task_id", call.taskID, "error", u.Err)
			}
			return
		}
		m.tracker.Apply(call.callID, u, tracker.SourceStream)
	}
}

// ensureContext creates the thread's A2A context on first use.
func (m *Manager) ensureContext(ctx context.Context, rec store.Thread) (string, error) {
	if rec.ContextID != "" {
		return rec.ContextID, nil
	}
	contextID := uuid.NewString()
	if err := m.deps.Store.AttachContext(ctx, rec.ID, contextID); err != nil {
		return "", fmt.Errorf("creating context: %w", err)
	}
	m.mu.Lock()
	if t, ok := m.threads[rec.ID]; ok {
		t.rec.ContextID = contextID
	}
	m.mu.Unlock()
	return contextID, nil
}

// prepareCall registers the call with the tracker, continuing a task that
// asked for input when there is one.
func (m *Manager) prepareCall(threadID string, agent *registry.Agent, contextID, text string) (*agentCall, a2a.SendRequest, error) {
	req := a2a.SendRequest{ContextID: contextID, Text: text}
	call := &agentCall{}

	m.mu.Lock()
	pending := ""
	if t, ok := m.threads[threadID]; ok {
		pending = t.pendingTask
		t.pendingTask = ""
	}
	m.mu.Unlock()

	if pending != "" {
		callID, token, err := m.tracker.Resume(pending)
		if err == nil {
			call.callID = callID
			call.taskID = pending
			call.resumed = true
			req.TaskID = pending
			m.attachCallback(&req, call, agent, token)
			m.holdCall(threadID, call)
			return call, req, nil
		}
		m.logger.Info("starting a new task instead of continuing", "task_id", pending, "reason", err)
	}

	call.callID = ulid.Make().String()
	token := ""
	if m.callbackURL(agent) != "" && m.deps.Tokens != nil {
		var err error
		token, err = m.deps.Tokens.Issue(threadID, call.callID)
		if err != nil {
			return nil, req, apperr.Configuration("issue notification token", err)
		}
	}
	m.tracker.Begin(call.callID, threadID, token)
	m.attachCallback(&req, call, agent, token)
	m.holdCall(threadID, call)
	return call, req, nil
}

func (m *Manager) attachCallback(req *a2a.SendRequest, call *agentCall, agent *registry.Agent, token string) {
	url := m.callbackURL(agent)
	if url == "" || token == "" {
		return
	}
	req.CallbackURL = url
	req.Token = token
	call.push = true
}

func (m *Manager) callbackURL(agent *registry.Agent) string {
	if !agent.Capabilities.PushNotifications || m.deps.Callbacks == nil {
		return ""
	}
	return m.deps.Callbacks.CallbackURL()
}

// holdCall defers task events for call until releaseCall.
func (m *Manager) holdCall(threadID string, call *agentCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[threadID]; ok {
		t.call = call.callID
	}
}

// releaseCall stops deferring and handles any task events that arrived while
// the response was being read.
func (m *Manager) releaseCall(threadID string, call *agentCall) {
	m.mu.Lock()
	t, ok := m.threads[threadID]
	var deferred []tracker.Event
	if ok && t.call == call.callID {
		t.call = ""
		deferred = t.deferred
		t.deferred = nil
	}
	m.mu.Unlock()
	for _, ev := range deferred {
		m.resolve(threadID, ev)
	}
}

// failCall records a failed outbound call. A continued task stays paused so
// the user can answer again.
func (m *Manager) failCall(threadID string, call *agentCall, err error) {
	m.releaseCall(threadID, call)
	if call.resumed && m.tracker.Suspend(call.callID) {
		m.mu.Lock()
		if t, ok := m.threads[threadID]; ok {
			t.pendingTask = call.taskID
		}
		m.mu.Unlock()
	} else {
		m.tracker.Abandon(call.callID)
	}
	if !errors.Is(err, context.Canceled) {
		m.appendError(threadID, err)
	}
	m.setBusy(threadID, false)
}

// onTaskEvent receives asynchronous transitions from the tracker.
func (m *Manager) onTaskEvent(ev tracker.Event) {
	m.mu.Lock()
	t, ok := m.threads[ev.ThreadID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("task event for a deleted thread", "thread_id", ev.ThreadID, "task_id", ev.TaskID)
		return
	}
	if t.call != "" && t.call == ev.CallID {
		t.deferred = append(t.deferred, ev)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.resolve(ev.ThreadID, ev)
}

// resolve appends the outcome of a task transition to its thread.
func (m *Manager) resolve(threadID string, ev tracker.Event) {
	ctx := context.Background()
	m.events.publish(Event{Kind: EventTaskStatus, ThreadID: threadID, Status: string(ev.State)})

	switch ev.State {
	case a2a.StateSubmitted, a2a.StateWorking:
		return

	case a2a.StateInputRequired:
		m.mu.Lock()
		if t, ok := m.threads[threadID]; ok {
			t.pendingTask = ev.TaskID
		}
		m.mu.Unlock()
		question := ev.Text
		if question == "" {
			question = "The agent needs more information to continue."
		}
		if _, err := m.appendMessage(ctx, threadID, store.RoleAgent, question); err != nil {
			m.logger.Warn("could not append agent question", "thread_id", threadID, "error", err)
		}

	case a2a.StateCompleted:
		reply := ev.Text
		if reply == "" {
			reply = "(the agent completed the task without a reply)"
		}
		if _, err := m.appendMessage(ctx, threadID, store.RoleAgent, reply); err != nil {
			m.logger.Warn("could not append agent reply", "thread_id", threadID, "error", err)
		}

	case a2a.StateFailed, a2a.StateCanceled:
		err := ev.Err
		if err == nil {
			err = taskError(a2a.Update{State: ev.State, Text: ev.Text})
		}
		m.appendError(threadID, err)
	}

	m.logger.Info("agent task resolved", "thread_id", threadID, "task_id", ev.TaskID, "state", ev.State, "source", ev.Source)
	m.setBusy(threadID, false)
}

// taskError describes a task that ended without completing.
func taskError(u a2a.Update) error {
	switch u.State {
	case a2a.StateFailed:
		if u.Text != "" {
			return fmt.Errorf("agent task failed: %s", u.Text)
		}
		return errors.New("agent task failed")
	case a2a.StateCanceled:
		return errors.New("agent task was canceled")
	}
	return nil
}
