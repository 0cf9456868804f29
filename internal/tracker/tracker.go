// ABOUTME: Pending correlations between outbound agent calls and the threads awaiting them
// ABOUTME: Applies response, webhook, and poll updates uniformly and enforces the task timeout

package tracker

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/apperr"
	"github.com/2389/agentdesk/internal/dedupe"
)

// Errors returned by Authorize.
var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrFinishedTask  = errors.New("task already finished")
	ErrTokenMismatch = errors.New("notification token does not match")
)

// Defaults for Options left zero.
const (
	DefaultTimeout      = 10 * time.Minute
	DefaultPollInterval = 5 * time.Second
	DefaultFinishedTTL  = time.Hour
	maxFinished         = 10000
)

// Source names where an update came from.
type Source string

const (
	SourceResponse Source = "response"
	// SourceStream is the rest of a streamed response read after the call
	// was detached.
	SourceStream  Source = "stream"
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceTimeout Source = "timeout"
)

// Event is a transition delivered to the handler. Updates that arrive on the
// outbound response are returned to the caller instead.
type Event struct {
	CallID    string
	ThreadID  string
	TaskID    string
	ContextID string
	State     a2a.TaskState
	Text      string
	Source    Source
	// Err is set for timeouts.
	Err error
}

// Inbound is an authenticated webhook update.
type Inbound struct {
	CallID string
	Update a2a.Update
}

// PollFunc fetches the current state of a task.
type PollFunc func(ctx context.Context, taskID string) (a2a.Update, error)

// Options configures a Tracker.
type Options struct {
	// Timeout bounds how long a detached correlation may stay unresolved.
	Timeout      time.Duration
	PollInterval time.Duration
	// MaxPolls caps polls per detached call; zero means no cap.
	MaxPolls    int
	FinishedTTL time.Duration
	// OnTransition observes every applied transition.
	OnTransition func(from, to a2a.TaskState, src Source)
}

// Tracker owns the state of every outstanding agent task.
type Tracker struct {
	mu     sync.Mutex
	byCall map[string]*correlation
	byTask map[string]*correlation

	// dispatchMu keeps handler calls in the order transitions were applied.
	dispatchMu sync.Mutex
	handler    func(Event)

	finished     *dedupe.Cache
	timeout      time.Duration
	pollInterval time.Duration
	maxPolls     int
	onTransition func(from, to a2a.TaskState, src Source)
	logger       *slog.Logger
}

type correlation struct {
	callID   string
	threadID string
	token    string
	taskID   string
	state    a2a.TaskState

	detached bool
	// gen invalidates timers armed by an earlier Detach.
	gen      int
	timer    *time.Timer
	stopPoll context.CancelFunc
}

// New creates a tracker delivering async events to handler.
func New(opts Options, handler func(Event), logger *slog.Logger) *Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = DefaultFinishedTTL
	}
	if handler == nil {
		handler = func(Event) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		byCall:       make(map[string]*correlation),
		byTask:       make(map[string]*correlation),
		handler:      handler,
		finished:     dedupe.New(opts.FinishedTTL, maxFinished),
		timeout:      opts.Timeout,
		pollInterval: opts.PollInterval,
		maxPolls:     opts.MaxPolls,
		onTransition: opts.OnTransition,
		logger:       logger.With("component", "tracker"),
	}
}

// Begin registers a call before it is sent so a webhook that beats the
// response can still be matched.
func (t *Tracker) Begin(callID, threadID, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCall[callID] = &correlation{callID: callID, threadID: threadID, token: token}
}

// Resume reopens a task paused in input_required for a follow-up call. The
// user's answer moves the task back to working, so the agent may ask again.
// It returns the correlation's call id and token so the agent keeps notifying
// the same correlation.
func (t *Tracker) Resume(taskID string) (callID, token string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byTask[taskID]
	if !ok {
		return "", "", fmt.Errorf("resume %s: %w", taskID, ErrUnknownTask)
	}
	if c.state != a2a.StateInputRequired {
		return "", "", fmt.Errorf("resume %s: task is %s", taskID, c.state)
	}
	c.detached = false
	c.stopTimersLocked()
	c.state = a2a.StateWorking
	t.observe(a2a.StateInputRequired, a2a.StateWorking, SourceResponse)
	return c.callID, c.token, nil
}

// Suspend returns a resumed task to input_required after the follow-up call
// failed to reach the agent, so the user can answer again.
func (t *Tracker) Suspend(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byCall[callID]
	if !ok || c.state.IsTerminal() {
		return false
	}
	c.stopTimersLocked()
	c.detached = true
	c.state = a2a.StateInputRequired
	return true
}

// Apply records u for the correlation of callID (or of u's task). It reports
// whether the update was a valid transition. Updates that are not from the
// response are also delivered to the handler.
func (t *Tracker) Apply(callID string, u a2a.Update, src Source) bool {
	if u.Artifact || u.State == "" {
		return false
	}

	t.mu.Lock()
	c := t.lookupLocked(callID, u.TaskID)
	if c == nil {
		t.mu.Unlock()
		t.logDropped(callID, u.TaskID, u.State, src)
		return false
	}

	if u.TaskID != "" {
		if c.taskID == "" {
			c.taskID = u.TaskID
			t.byTask[u.TaskID] = c
		} else if c.taskID != u.TaskID {
			t.mu.Unlock()
			t.logger.Warn("update for a different task on the same call",
				"call_id", c.callID, "task_id", c.taskID, "got_task_id", u.TaskID)
			return false
		}
	}

	from := c.state
	if !CanTransition(from, u.State) {
		t.mu.Unlock()
		t.logger.Debug("ignoring update",
			"task_id", c.taskID, "from", from, "to", u.State, "source", src)
		return false
	}
	c.state = u.State

	ev := Event{
		CallID:    c.callID,
		ThreadID:  c.threadID,
		TaskID:    c.taskID,
		ContextID: u.ContextID,
		State:     u.State,
		Text:      u.Text,
		Source:    src,
	}
	switch {
	case u.State.IsTerminal():
		t.finishLocked(c)
	case u.State == a2a.StateInputRequired:
		c.stopTimersLocked()
	}

	t.observe(from, u.State, src)
	t.logger.Debug("task transition",
		"task_id", ev.TaskID, "thread_id", ev.ThreadID, "from", from, "to", u.State, "source", src)

	if src == SourceResponse {
		t.mu.Unlock()
		return true
	}
	t.dispatchMu.Lock()
	t.mu.Unlock()
	defer t.dispatchMu.Unlock()
	t.handler(ev)
	return true
}

// Detach is called when an outbound call returns without a terminal state. It
// reports whether the correlation is still live. A live correlation starts
// its timeout unless it is waiting for user input; poll, when non-nil, is
// called until the task resolves.
func (t *Tracker) Detach(callID string, poll PollFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byCall[callID]
	if !ok {
		return false
	}
	c.detached = true
	if c.state == a2a.StateInputRequired {
		return true
	}

	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(t.timeout, func() { t.expire(callID, gen) })
	if poll != nil && c.taskID != "" {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopPoll = cancel
		go t.pollLoop(ctx, callID, c.taskID, poll)
	}
	return true
}

// Abandon drops a correlation whose call failed.
func (t *Tracker) Abandon(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byCall[callID]; ok {
		t.finishLocked(c)
	}
}

// Canceled identifies a correlation removed by Cancel.
type Canceled struct {
	CallID string
	TaskID string
}

// Cancel removes every correlation owned by threadID without notifying the
// handler. Later updates for those tasks are dropped.
func (t *Tracker) Cancel(threadID string) []Canceled {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Canceled
	for _, c := range t.byCall {
		if c.threadID != threadID {
			continue
		}
		out = append(out, Canceled{CallID: c.callID, TaskID: c.taskID})
		t.finishLocked(c)
	}
	if len(out) > 0 {
		t.logger.Info("canceled correlations", "thread_id", threadID, "count", len(out))
	}
	return out
}

// Authorize checks a webhook token for a task. The call id comes from the
// verified token claims.
func (t *Tracker) Authorize(taskID, callID, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byCall[callID]
	if !ok {
		if t.finished.Check(callKey(callID)) || (taskID != "" && t.finished.Check(taskKey(taskID))) {
			return ErrFinishedTask
		}
		return ErrUnknownTask
	}
	if subtle.ConstantTimeCompare([]byte(c.token), []byte(token)) != 1 {
		return ErrTokenMismatch
	}
	if c.taskID != "" && taskID != "" && c.taskID != taskID {
		return ErrTokenMismatch
	}
	return nil
}

// Run applies inbound webhook updates until ctx is done or in is closed.
func (t *Tracker) Run(ctx context.Context, in <-chan Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-in:
			if !ok {
				return
			}
			t.Apply(n.CallID, n.Update, SourceWebhook)
		}
	}
}

// Pending returns the number of live correlations.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byCall)
}

// State returns the recorded state of a live task.
func (t *Tracker) State(taskID string) (a2a.TaskState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byTask[taskID]
	if !ok {
		return "", false
	}
	return c.state, true
}

// Close stops every timer and poller.
func (t *Tracker) Close() {
	t.mu.Lock()
	for _, c := range t.byCall {
		c.stopTimersLocked()
	}
	t.mu.Unlock()
	t.finished.Close()
}

func (t *Tracker) expire(callID string, gen int) {
	t.mu.Lock()
	c, ok := t.byCall[callID]
	if !ok || !c.detached || c.gen != gen || c.state.IsTerminal() || c.state == a2a.StateInputRequired {
		t.mu.Unlock()
		return
	}
	from := c.state
	c.state = a2a.StateFailed
	t.finishLocked(c)
	t.observe(from, a2a.StateFailed, SourceTimeout)

	ev := Event{
		CallID:   c.callID,
		ThreadID: c.threadID,
		TaskID:   c.taskID,
		State:    a2a.StateFailed,
		Source:   SourceTimeout,
		Err:      apperr.Newf(apperr.KindTimeout, "await task", "no update from agent within %s", t.timeout),
	}
	t.logger.Warn("task timed out", "task_id", c.taskID, "thread_id", c.threadID, "timeout", t.timeout)

	t.dispatchMu.Lock()
	t.mu.Unlock()
	defer t.dispatchMu.Unlock()
	t.handler(ev)
}

func (t *Tracker) pollLoop(ctx context.Context, callID, taskID string, poll PollFunc) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for n := 0; t.maxPolls == 0 || n < t.maxPolls; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		u, err := poll(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Debug("poll failed", "task_id", taskID, "error", err)
			continue
		}
		if u.TaskID == "" {
			u.TaskID = taskID
		}
		t.Apply(callID, u, SourcePoll)
	}
	t.logger.Debug("polling stopped", "task_id", taskID, "polls", t.maxPolls)
}

func (t *Tracker) lookupLocked(callID, taskID string) *correlation {
	if c, ok := t.byCall[callID]; ok && callID != "" {
		return c
	}
	if taskID != "" {
		return t.byTask[taskID]
	}
	return nil
}

// finishLocked removes c and remembers its ids.
func (t *Tracker) finishLocked(c *correlation) {
	c.stopTimersLocked()
	delete(t.byCall, c.callID)
	t.finished.Mark(callKey(c.callID))
	if c.taskID != "" {
		delete(t.byTask, c.taskID)
		t.finished.Mark(taskKey(c.taskID))
	}
}

func (t *Tracker) logDropped(callID, taskID string, state a2a.TaskState, src Source) {
	if t.finished.Check(callKey(callID)) || (taskID != "" && t.finished.Check(taskKey(taskID))) {
		t.logger.Debug("update for finished task", "task_id", taskID, "state", state, "source", src)
		return
	}
	t.logger.Warn("update for unknown task", "task_id", taskID, "call_id", callID, "state", state, "source", src)
}

func (t *Tracker) observe(from, to a2a.TaskState, src Source) {
	if t.onTransition != nil {
		t.onTransition(from, to, src)
	}
}

func (c *correlation) stopTimersLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopPoll != nil {
		c.stopPoll()
		c.stopPoll = nil
	}
}

func callKey(id string) string { return "call:" + id }
func taskKey(id string) string { return "task:" + id }
