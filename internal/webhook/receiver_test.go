// ABOUTME: Tests for the push notification receiver and token issuer
// ABOUTME: Exercises auth rejection, envelope validation, duplicates, and rate limiting over HTTP

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/a2a/a2atest"
	"github.com/2389/agentdesk/internal/tracker"
)

type harness struct {
	server   *httptest.Server
	issuer   *Issuer
	tracker  *tracker.Tracker
	inbound  chan tracker.Inbound
	mu       sync.Mutex
	outcomes []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	issuer, err := NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	h := &harness{
		issuer:  issuer,
		tracker: tracker.New(tracker.Options{}, nil, logger),
		inbound: make(chan tracker.Inbound, 8),
	}
	opts.OnRequest = func(outcome string) {
		h.mu.Lock()
		h.outcomes = append(h.outcomes, outcome)
		h.mu.Unlock()
	}
	recv := New(issuer, h.tracker, h.inbound, opts, logger)
	h.server = httptest.NewServer(recv)
	t.Cleanup(func() {
		h.server.Close()
		recv.Close()
		h.tracker.Close()
	})
	return h
}

// begin registers a call and returns its token.
func (h *harness) begin(t *testing.T, threadID, callID string) string {
	t.Helper()
	token, err := h.issuer.Issue(threadID, callID)
	require.NoError(t, err)
	h.tracker.Begin(callID, threadID, token)
	return token
}

func (h *harness) lastOutcome() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outcomes) == 0 {
		return ""
	}
	return h.outcomes[len(h.outcomes)-1]
}

func (h *harness) post(t *testing.T, path string, headers map[string]string, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func completedTask(id, text string) a2a.Task {
	return a2a.Task{
		ID:        id,
		ContextID: "ctx-1",
		Status: a2a.TaskStatus{
			State:   "completed",
			Message: &a2a.Message{Role: "agent", Content: text},
		},
	}
}

func pushBody(t *testing.T, task a2a.Task) string {
	t.Helper()
	b, err := json.Marshal(a2a.Request{
		JSONRPC: a2a.JSONRPCVersion,
		ID:      "req-1",
		Method:  a2a.MethodPushNotification,
		Params:  a2a.PushParams{Task: &task},
	})
	require.NoError(t, err)
	return string(b)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestPushAccepted(t *testing.T) {
	h := newHarness(t, Options{})
	token := h.begin(t, "th1", "call-1")

	err := a2atest.PushTo(context.Background(), nil, h.server.URL+"/webhook", token, completedTask("T1", "Plan ready"))
	require.NoError(t, err)

	select {
	case n := <-h.inbound:
		assert.Equal(t, "call-1", n.CallID)
		assert.Equal(t, "T1", n.Update.TaskID)
		assert.Equal(t, "ctx-1", n.Update.ContextID)
		assert.Equal(t, a2a.StateCompleted, n.Update.State)
		assert.Equal(t, "Plan ready", n.Update.Text)
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}
	assert.Equal(t, OutcomeAccepted, h.lastOutcome())
}

func TestPushAck(t *testing.T) {
	h := newHarness(t, Options{})
	token := h.begin(t, "th1", "call-1")

	status, out := h.post(t, "/webhook/T1", bearer(token), pushBody(t, completedTask("T1", "x")))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2.0", out["jsonrpc"])
	assert.Equal(t, "req-1", out["id"])
	assert.Equal(t, map[string]any{"acknowledged": true}, out["result"])
}

func TestPushAlternateTokenHeader(t *testing.T) {
	h := newHarness(t, Options{})
	token := h.begin(t, "th1", "call-1")

	status, _ := h.post(t, "/webhook", map[string]string{TokenHeader: token}, pushBody(t, completedTask("T1", "x")))
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, h.inbound, 1)
}

func TestPushUnauthorized(t *testing.T) {
	h := newHarness(t, Options{})
	token := h.begin(t, "th1", "call-1")

	other, err := NewIssuer("other-secret", time.Hour)
	require.NoError(t, err)
	forged, err := other.Issue("th1", "call-1")
	require.NoError(t, err)

	// A validly signed token for the same call that was not the one issued.
	reissued, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  "th1",
		ID:       "call-1",
		Audience: jwt.ClaimStrings{"someone-else"},
	}).SignedString(h.issuer.key)
	require.NoError(t, err)

	tests := map[string]map[string]string{
		"missing":     nil,
		"not a jwt":   bearer("garbage"),
		"wrong key":   bearer(forged),
		"not issued":  bearer(reissued),
		"wrong shape": {"Authorization": "Basic " + token},
	}
	for name, headers := range tests {
		t.Run(name, func(t *testing.T) {
			status, out := h.post(t, "/webhook", headers, pushBody(t, completedTask("T1", "x")))
			assert.Equal(t, http.StatusUnauthorized, status)
			require.NotNil(t, out["error"])
			assert.Equal(t, float64(CodeUnauthorized), out["error"].(map[string]any)["code"])
			assert.Equal(t, OutcomeUnauthorized, h.lastOutcome())
		})
	}
	assert.Empty(t, h.inbound)
	assert.Equal(t, 1, h.tracker.Pending())
}

func TestPushTokenForOtherTask(t *testing.T) {
	h := newHarness(t, Options{})
	token := h.begin(t, "th1", "call-1")
	h.tracker.Apply("call-1", a2a.Update{TaskID: "T1", State: a2a.StateSubmitted}, tracker.SourceResponse)

	status, _ := h.post(t, "/webhook", bearer(token), pushBody(t, completedTask("T2", "x")))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Empty(t, h.inbound)
}

func TestPushInvalidEnvelope(t *testing.T) {
	h := newHarness(t, Options{})
	token := h.begin(t, "th1", "call-1")

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"malformed", "/webhook", `{not json`, a2a.CodeParseError},
		{"version", "/webhook", `{"jsonrpc":"1.0","id":1,"method":"pushNotifications/send","params":{"task":{"id":"T1","status":{"state":"completed"}}}}`, a2a.CodeInvalidRequest},
		{"method", "/webhook", `{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{}}`, a2a.CodeMethodNotFound},
		{"no task", "/webhook", `{"jsonrpc":"2.0","id":1,"method":"pushNotifications/send","params":{}}`, a2a.CodeInvalidParams},
		{"no task id", "/webhook", `{"jsonrpc":"2.0","id":1,"method":"pushNotifications/send","params":{"task":{"status":{"state":"completed"}}}}`, a2a.CodeInvalidParams},
		{"path mismatch", "/webhook/T9", `{"jsonrpc":"2.0","id":1,"method":"pushNotifications/send","params":{"task":{"id":"T1","status":{"state":"completed"}}}}`, a2a.CodeInvalidParams},
		{"bad state", "/webhook", `{"jsonrpc":"2.0","id":1,"method":"pushNotifications/send","params":{"task":{"id":"T1","status":{"state":"exploded"}}}}`, a2a.CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := h.post(t, tt.path, bearer(token), tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			require.NotNil(t, out["error"])
			assert.Equal(t, float64(tt.code), out["error"].(map[string]any)["code"])
		})
	}
	assert.Empty(t, h.inbound)
}

func TestPushDuplicateAckedOnce(t *testing.T) {
	h := newHarness(t, Options{})
	token := h.begin(t, "th1", "call-1")
	body := pushBody(t, completedTask("T1", "Plan ready"))

	for i := 0; i < 3; i++ {
		status, _ := h.post(t, "/webhook", bearer(token), body)
		assert.Equal(t, http.StatusOK, status)
	}
	assert.Len(t, h.inbound, 1)
	assert.Equal(t, OutcomeDuplicate, h.lastOutcome())
}

func TestPushUnknownAndFinishedTasksAcked(t *testing.T) {
	h := newHarness(t, Options{})

	stranger, err := h.issuer.Issue("th1", "never-begun")
	require.NoError(t, err)
	status, _ := h.post(t, "/webhook", bearer(stranger), pushBody(t, completedTask("T1", "x")))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, OutcomeUnknown, h.lastOutcome())

	token := h.begin(t, "th1", "call-1")
	h.tracker.Apply("call-1", a2a.Update{TaskID: "T2", State: a2a.StateCompleted}, tracker.SourceResponse)
	status, _ = h.post(t, "/webhook", bearer(token), pushBody(t, completedTask("T2", "late")))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, OutcomeUnknown, h.lastOutcome())

	assert.Empty(t, h.inbound)
}

func TestPushRateLimited(t *testing.T) {
	h := newHarness(t, Options{RPS: 0.001, Burst: 1})
	token := h.begin(t, "th1", "call-1")

	status, _ := h.post(t, "/webhook", bearer(token), pushBody(t, completedTask("T1", "x")))
	assert.Equal(t, http.StatusOK, status)

	status, out := h.post(t, "/webhook", bearer(token), pushBody(t, completedTask("T1", "x")))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, float64(CodeRateLimited), out["error"].(map[string]any)["code"])
	assert.Equal(t, OutcomeRateLimited, h.lastOutcome())
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Options{RPS: 0.001, Burst: 1})
	for i := 0; i < 3; i++ {
		resp, err := http.Get(h.server.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestIssuerRoundTrip(t *testing.T) {
	issuer, err := NewIssuer("", time.Minute)
	require.NoError(t, err)

	token, err := issuer.Issue("th1", "call-1")
	require.NoError(t, err)
	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Claims{ThreadID: "th1", CallID: "call-1"}, claims)

	other, err := NewIssuer("", time.Minute)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuerExpired(t *testing.T) {
	issuer, err := NewIssuer("s", time.Minute)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "th1",
		ID:        "call-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := expired.SignedString(issuer.key)
	require.NoError(t, err)

	_, err = issuer.Verify(signed)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestIssuerMissingClaims(t *testing.T) {
	issuer, err := NewIssuer("s", time.Minute)
	require.NoError(t, err)

	noCall := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "th1"})
	signed, err := noCall.SignedString(issuer.key)
	require.NoError(t, err)

	_, err = issuer.Verify(signed)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestIssuerSameSecretSameKey(t *testing.T) {
	a, err := NewIssuer("shared", time.Minute)
	require.NoError(t, err)
	b, err := NewIssuer("shared", time.Minute)
	require.NoError(t, err)

	token, err := a.Issue("th1", "call-1")
	require.NoError(t, err)
	_, err = b.Verify(token)
	assert.NoError(t, err)
}
