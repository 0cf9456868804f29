// ABOUTME: Tests for thread lifecycle: limits, ordering, restore, rename, and deletion
// ABOUTME: Shares a harness wiring a real tracker, webhook receiver, and fake agents

package session

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/a2a/a2atest"
	"github.com/2389/agentdesk/internal/apperr"
	"github.com/2389/agentdesk/internal/llm"
	"github.com/2389/agentdesk/internal/registry"
	"github.com/2389/agentdesk/internal/store"
	"github.com/2389/agentdesk/internal/tracker"
	"github.com/2389/agentdesk/internal/webhook"
)

// scriptedProvider is an LLM backend with canned output. When gate is set,
// the stream waits for it to close (or for ctx) before finishing.
type scriptedProvider struct {
	name   string
	chunks []string
	err    error
	gate   chan struct{}

	mu      sync.Mutex
	prompts []llm.Prompt
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(ctx context.Context, pr llm.Prompt) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, pr)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan llm.Chunk, len(p.chunks)+1)
	go func() {
		defer close(ch)
		for _, c := range p.chunks {
			ch <- llm.Chunk{Text: c}
		}
		if p.gate != nil {
			select {
			case <-p.gate:
			case <-ctx.Done():
				ch <- llm.Chunk{Err: ctx.Err()}
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) GenerateComplete(ctx context.Context, pr llm.Prompt) (string, error) {
	ch, err := p.Generate(ctx, pr)
	if err != nil {
		return "", err
	}
	return llm.Collect(ch)
}

func (p *scriptedProvider) AvailableModels(context.Context) ([]string, error) {
	return []string{p.name + "-model"}, nil
}

func (p *scriptedProvider) lastPrompt() llm.Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts[len(p.prompts)-1]
}

// callbackURL lets the harness set the webhook URL after the server starts.
type callbackURL struct {
	mu  sync.Mutex
	url string
}

func (c *callbackURL) CallbackURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

type harness struct {
	mgr      *Manager
	store    *store.MockStore
	agents   *registry.Registry
	router   *llm.Router
	callback string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires a manager to a mock store, a webhook receiver on a local
// server, and the tracker's inbound loop.
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := testLogger()

	h := &harness{
		store:  store.NewMockStore(),
		agents: registry.New("", logger),
		router: llm.NewRouter(logger),
	}
	issuer, err := webhook.NewIssuer("session-test-secret", time.Hour)
	require.NoError(t, err)

	cb := &callbackURL{}
	h.mgr = New(Deps{
		Store:     h.store,
		Agents:    h.agents,
		Client:    a2a.NewClient(nil, 5*time.Second, logger),
		LLM:       h.router,
		Callbacks: cb,
		Tokens:    issuer,
	}, opts, logger)

	inbound := make(chan tracker.Inbound, 16)
	recv := webhook.New(issuer, h.mgr.Tracker(), inbound, webhook.Options{Path: "/webhook"}, logger)
	server := httptest.NewServer(recv)
	h.callback = server.URL + "/webhook"
	cb.mu.Lock()
	cb.url = h.callback
	cb.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go h.mgr.Tracker().Run(ctx, inbound)

	t.Cleanup(func() {
		cancel()
		server.Close()
		recv.Close()
		h.mgr.Close()
	})
	return h
}

// addAgent serves fake on a local server and registers it as id.
func (h *harness) addAgent(t *testing.T, id string, fake *a2atest.Agent, caps registry.Capabilities) *registry.Agent {
	t.Helper()
	fake.SetLogger(testLogger())
	url := fake.Start()
	t.Cleanup(fake.Close)
	agent := &registry.Agent{ID: id, Name: fake.Name, URL: url, Capabilities: caps}
	require.NoError(t, h.agents.Add(agent))
	got, err := h.agents.Get(id)
	require.NoError(t, err)
	return got
}

func (h *harness) addProvider(p *scriptedProvider) {
	h.router.Register(p.name, p, false)
}

// waitMessages blocks until the thread holds n messages and returns them.
func (h *harness) waitMessages(t *testing.T, threadID string, n int) []*store.Message {
	t.Helper()
	var msgs []*store.Message
	require.Eventually(t, func() bool {
		var err error
		msgs, err = h.mgr.Messages(context.Background(), threadID)
		return err == nil && len(msgs) >= n
	}, 3*time.Second, 10*time.Millisecond, "waiting for %d messages", n)
	return msgs
}

func contents(msgs []*store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestCreateThread_DefaultTitleAndEvent(t *testing.T) {
	h := newHarness(t, Options{})
	h.addProvider(&scriptedProvider{name: "fake"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.mgr.Subscribe(ctx, "")

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "fake", "")
	require.NoError(t, err)
	assert.NotEmpty(t, th.ID)
	assert.Regexp(t, `^Thread \d\d:\d\d:\d\d$`, th.Title)

	select {
	case ev := <-events:
		assert.Equal(t, EventThreadCreated, ev.Kind)
		assert.Equal(t, th.ID, ev.ThreadID)
	case <-time.After(time.Second):
		t.Fatal("no thread_created event")
	}

	stored, err := h.store.GetThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, th.Title, stored.Title)
}

func TestCreateThread_CapacityPerOwner(t *testing.T) {
	h := newHarness(t, Options{})
	h.addProvider(&scriptedProvider{name: "a"})
	h.addProvider(&scriptedProvider{name: "b"})

	for i := 0; i < DefaultMaxPerOwner; i++ {
		_, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "")
		require.NoError(t, err)
	}
	_, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "one too many")
	require.Error(t, err)
	assert.Equal(t, apperr.KindCapacity, apperr.KindOf(err))
	assert.Len(t, h.mgr.ListThreads(store.OwnerProvider, "a"), DefaultMaxPerOwner)

	// Another owner has its own allowance.
	_, err = h.mgr.CreateThread(context.Background(), store.OwnerProvider, "b", "")
	assert.NoError(t, err)
}

func TestCreateThread_CapacityFreedByDelete(t *testing.T) {
	h := newHarness(t, Options{MaxPerOwner: 1})
	h.addProvider(&scriptedProvider{name: "a"})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "")
	require.NoError(t, err)
	_, err = h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "")
	require.Error(t, err)

	require.NoError(t, h.mgr.DeleteThread(context.Background(), th.ID))
	_, err = h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "")
	assert.NoError(t, err)
}

func TestCreateThread_UnknownOwner(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "nobody", "")
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))

	_, err = h.mgr.CreateThread(context.Background(), store.OwnerProvider, "openai", "")
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))

	_, err = h.mgr.CreateThread(context.Background(), store.OwnerKind("robot"), "x", "")
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestListThreads_OrderAndFilter(t *testing.T) {
	h := newHarness(t, Options{})
	h.addProvider(&scriptedProvider{name: "a"})
	h.addAgent(t, "echo", a2atest.New(a2atest.ModeSync), registry.Capabilities{})

	first, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "first")
	require.NoError(t, err)
	second, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "second")
	require.NoError(t, err)
	_, err = h.mgr.CreateThread(context.Background(), store.OwnerAgent, "echo", "agent")
	require.NoError(t, err)

	got := h.mgr.ListThreads(store.OwnerProvider, "a")
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)

	assert.Len(t, h.mgr.ListThreads(store.OwnerAgent, ""), 1)
	assert.Len(t, h.mgr.ListThreads("", ""), 3)
}

func TestRenameThread(t *testing.T) {
	h := newHarness(t, Options{})
	h.addProvider(&scriptedProvider{name: "a"})
	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "")
	require.NoError(t, err)

	require.NoError(t, h.mgr.RenameThread(context.Background(), th.ID, "  Research  "))
	got, ok := h.mgr.Thread(th.ID)
	require.True(t, ok)
	assert.Equal(t, "Research", got.Title)

	assert.Error(t, h.mgr.RenameThread(context.Background(), th.ID, "   "))
	assert.ErrorIs(t, h.mgr.RenameThread(context.Background(), "missing", "x"), store.ErrNotFound)
}

func TestRestore(t *testing.T) {
	ms := store.NewMockStore()
	for i, id := range []string{"01A", "01B", "01C", "01D"} {
		require.NoError(t, ms.CreateThread(context.Background(), &store.Thread{
			ID: id, OwnerKind: store.OwnerProvider, OwnerID: "a", Title: id,
			CreatedAt: time.Unix(int64(1000+i), 0),
		}))
	}

	router := llm.NewRouter(testLogger())
	router.Register("a", &scriptedProvider{name: "a"}, true)
	mgr := New(Deps{Store: ms, Agents: registry.New("", testLogger()), LLM: router}, Options{}, testLogger())
	t.Cleanup(mgr.Close)

	require.NoError(t, mgr.Restore(context.Background()))
	require.NoError(t, mgr.Restore(context.Background()))

	got := mgr.ListThreads(store.OwnerProvider, "a")
	require.Len(t, got, 4)
	assert.Equal(t, "01A", got[0].ID)

	// Restored threads count toward the limit.
	_, err := mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "")
	assert.Equal(t, apperr.KindCapacity, apperr.KindOf(err))
}

func TestDeleteThread_CancelsPendingTask(t *testing.T) {
	h := newHarness(t, Options{})
	fake := a2atest.New(a2atest.ModeAsync)
	h.addAgent(t, "slow", fake, registry.Capabilities{PushNotifications: true})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerAgent, "slow", "")
	require.NoError(t, err)
	require.NoError(t, h.mgr.SendUserMessage(context.Background(), th.ID, "Start"))
	require.Equal(t, 1, h.mgr.Tracker().Pending())

	taskIDs := fake.TaskIDs()
	require.Len(t, taskIDs, 1)

	require.NoError(t, h.mgr.DeleteThread(context.Background(), th.ID))
	assert.Equal(t, 0, h.mgr.Tracker().Pending())
	_, ok := h.mgr.Thread(th.ID)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return len(fake.Canceled()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, taskIDs[0], fake.Canceled()[0])

	// A late notification is acknowledged and dropped.
	require.NoError(t, fake.Push(context.Background(), taskIDs[0], a2a.StateCompleted, "too late"))
	_, err = h.store.GetThread(context.Background(), th.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, h.mgr.DeleteThread(context.Background(), th.ID), store.ErrNotFound)
}

func TestDeleteThread_AbortsInFlightGeneration(t *testing.T) {
	h := newHarness(t, Options{})
	gate := make(chan struct{})
	defer close(gate)
	h.addProvider(&scriptedProvider{name: "a", chunks: []string{"partial"}, gate: gate})

	th, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.mgr.SendUserMessage(context.Background(), th.ID, "hello") }()
	require.Eventually(t, func() bool { return h.mgr.Draft(th.ID) == "partial" }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.mgr.DeleteThread(context.Background(), th.ID))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("send did not return after delete")
	}
}

func TestSubscribe_PerThread(t *testing.T) {
	h := newHarness(t, Options{})
	h.addProvider(&scriptedProvider{name: "a"})
	one, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "")
	require.NoError(t, err)
	two, err := h.mgr.CreateThread(context.Background(), store.OwnerProvider, "a", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := h.mgr.Subscribe(ctx, one.ID)

	require.NoError(t, h.mgr.RenameThread(context.Background(), two.ID, "other"))
	require.NoError(t, h.mgr.RenameThread(context.Background(), one.ID, "mine"))

	select {
	case ev := <-events:
		assert.Equal(t, EventThreadRenamed, ev.Kind)
		assert.Equal(t, one.ID, ev.ThreadID)
		assert.Equal(t, "mine", ev.Thread.Title)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-events:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
