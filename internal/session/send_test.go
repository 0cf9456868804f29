// ABOUTME: Tests for routing user messages to agents and LLM providers
// ABOUTME: Covers push completion, streaming, repeated questions, stalled streams, timeouts, and error notes

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/a2a/a2atest"
	"github.com/2389/agentdesk/internal/apperr"
	"github.com/2389/agentdesk/internal/registry"
	"github.com/2389/agentdesk/internal/store"
	"github.com/2389/agentdesk/internal/tracker"
)

func TestAsyncAgentCompletesByPush(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeAsync)
	h.addAgent(t, "interview_prep", fake, registry.Capabilities{PushNotifications: true})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "interview_prep", "")
	require.NoError(t, err)

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Start"))
	msgs := h.waitMessages(t, th.ID, 2)
	assert.Equal(t, []string{"Start", Placeholder}, contents(msgs))
	assert.True(t, h.mgr.Busy(th.ID))

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].Configuration)
	require.NotNil(t, reqs[0].Configuration.PushNotificationConfig)
	assert.Equal(t, h.callback, reqs[0].Configuration.PushNotificationConfig.URL)
	assert.NotEmpty(t, reqs[0].Configuration.PushNotificationConfig.Token)

	got, ok := h.mgr.Thread(th.ID)
	require.True(t, ok)
	assert.Equal(t, got.ContextID, reqs[0].ContextID)

	taskID := fake.TaskIDs()[0]
	require.NoError(t, fake.Push(context.Background(), taskID, a2a.StateWorking, ""))
	require.NoError(t, fake.Push(context.Background(), taskID, a2a.StateCompleted, "Plan ready"))

	msgs = h.waitMessages(t, th.ID, 3)
	assert.Equal(t, []string{"Start", Placeholder, "Plan ready"}, contents(msgs))
	assert.Equal(t, store.RoleAgent, msgs[2].Role)
	require.Eventually(t, func() bool { return !h.mgr.Busy(th.ID) }, time.Second, 10*time.Millisecond)

	// The repeated notification changes nothing.
	require.NoError(t, fake.Push(context.Background(), taskID, a2a.StateCompleted, "Plan ready"))
	assert.Never(t, func() bool {
		msgs, _ := h.mgr.Messages(context.Background(), th.ID)
		return len(msgs) != 3
	}, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, 0, h.mgr.Tracker().Pending())
}

func TestAsyncAgentAutoPush(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeAsync)
	fake.AutoPush = 20 * time.Millisecond
	fake.Reply = func(string) string { return "Plan ready" }
	h.addAgent(t, "prep", fake, registry.Capabilities{PushNotifications: true})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "prep", "")
	require.NoError(t, err)
	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Start"))

	msgs := h.waitMessages(t, th.ID, 3)
	assert.Equal(t, []string{"Start", Placeholder, "Plan ready"}, contents(msgs))
}

func TestSyncAgentReusesContext(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeSync)
	h.addAgent(t, "echo", fake, registry.Capabilities{})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "echo", "")
	require.NoError(t, err)

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "hi"))
	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "again"))

	msgs := h.waitMessages(t, th.ID, 4)
	assert.Equal(t, []string{"hi", "Echo: hi", "again", "Echo: again"}, contents(msgs))
	assert.False(t, h.mgr.Busy(th.ID))

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	assert.NotEmpty(t, reqs[0].ContextID)
	assert.Equal(t, reqs[0].ContextID, reqs[1].ContextID)
	// No push capability, no callback.
	if reqs[0].Configuration != nil {
		assert.Nil(t, reqs[0].Configuration.PushNotificationConfig)
	}
	assert.Equal(t, 0, h.mgr.Tracker().Pending())
}

func TestStreamingAgent(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeStream)
	fake.Reply = func(text string) string { return "streamed " + text }
	h.addAgent(t, "stream", fake, registry.Capabilities{Streaming: true})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "stream", "")
	require.NoError(t, err)

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "go"))
	msgs := h.waitMessages(t, th.ID, 3)
	assert.Equal(t, []string{"go", Placeholder, "streamed go"}, contents(msgs))
	require.Eventually(t, func() bool { return !h.mgr.Busy(th.ID) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.mgr.Tracker().Pending())
}

func TestStreamingAgentAsks(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeStream)
	fake.Ask = "Which company?"
	h.addAgent(t, "stream", fake, registry.Capabilities{Streaming: true})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "stream", "")
	require.NoError(t, err)

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Start"))
	msgs := h.waitMessages(t, th.ID, 3)
	assert.Equal(t, []string{"Start", Placeholder, "Which company?"}, contents(msgs))
	require.Eventually(t, func() bool { return h.mgr.AwaitingInput(th.ID) && !h.mgr.Busy(th.ID) }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Acme"))
	msgs = h.waitMessages(t, th.ID, 6)
	assert.Equal(t, []string{"Acme", Placeholder, "Echo: Acme"}, contents(msgs[3:]))
	assert.Equal(t, fake.TaskIDs()[0], fake.Requests()[1].TaskID)
}

// stalledStream answers agent/message with one submitted event and then
// holds the stream open until the client goes away.
func stalledStream(t *testing.T) (url string, closed <-chan struct{}) {
	t.Helper()
	done := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req a2a.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		data, _ := json.Marshal(map[string]any{
			"jsonrpc": a2a.JSONRPCVersion,
			"id":      req.ID,
			"result":  map[string]any{"kind": "task", "id": "T-stall", "status": map[string]any{"state": "submitted"}},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		once.Do(func() { close(done) })
	}))
	t.Cleanup(srv.Close)
	return srv.URL, done
}

func TestStalledStreamTimesOut(t *testing.T) {
	h := newHarness(t, Options{Tracker: tracker.Options{Timeout: 100 * time.Millisecond}})
	url, closed := stalledStream(t)
	require.NoError(t, h.agents.Add(&registry.Agent{
		ID: "stall", Name: "Stall", URL: url,
		Capabilities: registry.Capabilities{Streaming: true},
	}))

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "stall", "")
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() { sent <- h.mgr.SendUserMessage(context.Background(), th.ID, "Start") }()
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked on a stalled stream")
	}

	msgs := h.waitMessages(t, th.ID, 3)
	assert.Equal(t, Placeholder, msgs[1].Content)
	assert.Equal(t, store.RoleSystem, msgs[2].Role)
	assert.True(t, strings.HasPrefix(msgs[2].Content, "Timed out:"), msgs[2].Content)
	require.Eventually(t, func() bool { return !h.mgr.Busy(th.ID) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.mgr.Tracker().Pending())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream stayed open after the task timed out")
	}
}

func TestInputRequiredContinuesSameTask(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeSync)
	fake.Ask = "Which company?"
	h.addAgent(t, "prep", fake, registry.Capabilities{})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "prep", "")
	require.NoError(t, err)

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Start"))
	msgs := h.waitMessages(t, th.ID, 2)
	assert.Equal(t, "Which company?", msgs[1].Content)
	assert.True(t, h.mgr.AwaitingInput(th.ID))
	assert.False(t, h.mgr.Busy(th.ID))

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Acme"))
	msgs = h.waitMessages(t, th.ID, 4)
	assert.Equal(t, []string{"Start", "Which company?", "Acme", "Echo: Acme"}, contents(msgs))
	assert.False(t, h.mgr.AwaitingInput(th.ID))

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].TaskID)
	assert.Equal(t, fake.TaskIDs()[0], reqs[1].TaskID)
	assert.Len(t, fake.TaskIDs(), 1)
}

func TestAgentAsksSeveralQuestions(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeSync)
	fake.Questions = []string{"Which company?", "Which role?"}
	h.addAgent(t, "interview_prep", fake, registry.Capabilities{})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "interview_prep", "")
	require.NoError(t, err)

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Start"))
	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Acme"))
	msgs := h.waitMessages(t, th.ID, 4)
	assert.Equal(t, []string{"Start", "Which company?", "Acme", "Which role?"}, contents(msgs))
	assert.True(t, h.mgr.AwaitingInput(th.ID))
	assert.False(t, h.mgr.Busy(th.ID))

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Engineer"))
	msgs = h.waitMessages(t, th.ID, 6)
	assert.Equal(t, []string{"Engineer", "Echo: Engineer"}, contents(msgs[4:]))
	assert.False(t, h.mgr.AwaitingInput(th.ID))
	assert.False(t, h.mgr.Busy(th.ID))

	reqs := fake.Requests()
	require.Len(t, reqs, 3)
	taskID := fake.TaskIDs()[0]
	assert.Equal(t, taskID, reqs[1].TaskID)
	assert.Equal(t, taskID, reqs[2].TaskID)
	assert.Len(t, fake.TaskIDs(), 1)
	assert.Equal(t, 0, h.mgr.Tracker().Pending())
}

func TestFailedAnswerKeepsQuestionOpen(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeSync)
	fake.Ask = "Which company?"
	h.addAgent(t, "prep", fake, registry.Capabilities{})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "prep", "")
	require.NoError(t, err)
	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Start"))
	require.True(t, h.mgr.AwaitingInput(th.ID))

	fake.Close()
	err = h.mgr.SendUserMessage(context.Background(), th.ID, "Acme")
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))

	assert.True(t, h.mgr.AwaitingInput(th.ID))
	assert.False(t, h.mgr.Busy(th.ID))
	state, ok := h.mgr.Tracker().State(fake.TaskIDs()[0])
	require.True(t, ok)
	assert.Equal(t, a2a.StateInputRequired, state)
}

func TestAsyncAgentTimesOut(t *testing.T) {
	h := newHarness(t, Options{Tracker: tracker.Options{Timeout: 50 * time.Millisecond}})
	fake := a2atest.New(a2atest.ModeAsync)
	h.addAgent(t, "silent", fake, registry.Capabilities{})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "silent", "")
	require.NoError(t, err)
	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Start"))

	msgs := h.waitMessages(t, th.ID, 3)
	require.Len(t, msgs, 3)
	assert.Equal(t, Placeholder, msgs[1].Content)
	assert.Equal(t, store.RoleSystem, msgs[2].Role)
	assert.True(t, strings.HasPrefix(msgs[2].Content, "Timed out:"), msgs[2].Content)
	require.Eventually(t, func() bool { return !h.mgr.Busy(th.ID) }, time.Second, 10*time.Millisecond)

	assert.Never(t, func() bool {
		msgs, _ := h.mgr.Messages(context.Background(), th.ID)
		return len(msgs) != 3
	}, 150*time.Millisecond, 20*time.Millisecond)
}

func TestAgentUnreachable(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeSync)
	h.addAgent(t, "gone", fake, registry.Capabilities{})
	fake.Close()

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "gone", "")
	require.NoError(t, err)

	err = h.mgr.SendUserMessage(context.Background(), th.ID, "hello")
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))

	msgs := h.waitMessages(t, th.ID, 2)
	assert.Equal(t, store.RoleSystem, msgs[1].Role)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "Connection error:"), msgs[1].Content)
	assert.False(t, h.mgr.Busy(th.ID))
	assert.Equal(t, 0, h.mgr.Tracker().Pending())
}

func TestLLMReplyAndHistory(t *testing.T) {
	h := newHarness(t, Options{SystemPrompt: "Be brief."})
	p := &scriptedProvider{name: "fake", chunks: []string{"Hel", "lo"}}
	h.addProvider(p)

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "fake", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.mgr.Subscribe(ctx, th.ID)

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "hi"))
	msgs := h.waitMessages(t, th.ID, 2)
	assert.Equal(t, []string{"hi", "Hello"}, contents(msgs))
	assert.Equal(t, store.RoleAgent, msgs[1].Role)
	assert.Empty(t, h.mgr.Draft(th.ID))

	var drafts []string
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventDraftUpdated {
				drafts = append(drafts, ev.Draft)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, []string{"Hel", "Hello", ""}, drafts)

	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "more"))
	prompt := p.lastPrompt()
	assert.Equal(t, "Be brief.", prompt.System)
	assert.Equal(t, "more", prompt.Text)
	require.Len(t, prompt.History, 2)
	assert.Equal(t, "user", prompt.History[0].Role)
	assert.Equal(t, "assistant", prompt.History[1].Role)
}

func TestLLMProviderMisconfigured(t *testing.T) {
	h := newHarness(t, Options{})
	h.addProvider(&scriptedProvider{
		name: "openai",
		err:  apperr.Newf(apperr.KindConfiguration, "generate", "openai api key is not set"),
	})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "openai", "")
	require.NoError(t, err)

	err = h.mgr.SendUserMessage(context.Background(), th.ID, "hello")
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))

	msgs := h.waitMessages(t, th.ID, 2)
	require.Len(t, msgs, 2)
	var system []*store.Message
	for _, m := range msgs {
		if m.Role == store.RoleSystem {
			system = append(system, m)
		}
	}
	require.Len(t, system, 1)
	assert.Contains(t, system[0].Content, "Configuration error:")
	assert.False(t, h.mgr.Busy(th.ID))
}

func TestLLMEmptyReplyIsProtocolError(t *testing.T) {
	h := newHarness(t, Options{})
	h.addProvider(&scriptedProvider{name: "fake", chunks: []string{"  "}})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "fake", "")
	require.NoError(t, err)

	err = h.mgr.SendUserMessage(context.Background(), th.ID, "hello")
	assert.Equal(t, apperr.KindProtocol, apperr.KindOf(err))
	msgs := h.waitMessages(t, th.ID, 2)
	assert.Equal(t, store.RoleSystem, msgs[1].Role)
}

func TestSendRejectsWhileBusy(t *testing.T) {
	h := newHarness(t, Options{})
	gate := make(chan struct{})
	h.addProvider(&scriptedProvider{name: "slow", chunks: []string{"ok"}, gate: gate})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "slow", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "first"))
	}()
	require.Eventually(t, func() bool { return h.mgr.Busy(th.ID) }, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, h.mgr.SendUserMessage(context.Background(), th.ID, "second"), ErrThreadBusy)

	close(gate)
	wg.Wait()
	assert.False(t, h.mgr.Busy(th.ID))
	msgs := h.waitMessages(t, th.ID, 2)
	assert.Equal(t, []string{"first", "ok"}, contents(msgs))
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, Options{})
	h.addProvider(&scriptedProvider{name: "fake", chunks: []string{"ok"}})
	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "fake", "")
	require.NoError(t, err)

	assert.ErrorIs(t, h.mgr.SendUserMessage(context.Background(), th.ID, "   "), ErrEmptyMessage)
	assert.ErrorIs(t, h.mgr.SendUserMessage(context.Background(), "missing", "hi"), store.ErrNotFound)
}

func TestSendStoreFailureClearsBusy(t *testing.T) {
	h := newHarness(t, Options{})
	h.addProvider(&scriptedProvider{name: "fake", chunks: []string{"ok"}})
	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "fake", "")
	require.NoError(t, err)

	h.store.FailAppend = errors.New("disk full")
	err = h.mgr.SendUserMessage(context.Background(), th.ID, "hi")
	assert.ErrorContains(t, err, "disk full")
	assert.False(t, h.mgr.Busy(th.ID))
}
