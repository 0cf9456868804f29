// ABOUTME: Tests for the A2A client against the fake agent and hand-written servers
// ABOUTME: Covers request shape, push config, streaming order, polling, cancel, and error classification

package a2a_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/a2a/a2atest"
	"github.com/2389/agentdesk/internal/apperr"
	"github.com/2389/agentdesk/internal/registry"
)

func agentAt(url string, caps registry.Capabilities) *registry.Agent {
	return &registry.Agent{ID: "fake", Name: "Fake", URL: url, Capabilities: caps}
}

func collect(t *testing.T, ch <-chan a2a.Update) []a2a.Update {
	t.Helper()
	var out []a2a.Update
	for u := range ch {
		out = append(out, u)
	}
	return out
}

func TestSendMessage_Sync(t *testing.T) {
	fake := a2atest.New(a2atest.ModeSync)
	url := fake.Start()
	defer fake.Close()

	agent := agentAt(url, registry.Capabilities{})
	agent.Authentication = registry.Authentication{Type: registry.AuthBearer, Token: "agent-secret"}

	c := a2a.NewClient(nil, 5*time.Second, nil)
	ch, err := c.SendMessage(context.Background(), agent, a2a.SendRequest{ContextID: "ctx-1", Text: "hello"})
	require.NoError(t, err)

	updates := collect(t, ch)
	require.Len(t, updates, 1)
	assert.Equal(t, a2a.StateCompleted, updates[0].State)
	assert.Equal(t, "Echo: hello", updates[0].Text)
	assert.Equal(t, "ctx-1", updates[0].ContextID)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	msg := reqs[0].Message
	assert.Equal(t, "user", msg.Role)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, a2a.ContentTypeText, msg.ContentType)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, []a2a.Part{{Kind: "text", Text: "hello"}}, msg.Parts)
	assert.Equal(t, "ctx-1", reqs[0].ContextID)
	require.NotNil(t, reqs[0].Configuration)
	assert.Nil(t, reqs[0].Configuration.PushNotificationConfig, "agent without push gets no callback")
	assert.True(t, reqs[0].Configuration.Blocking)

	assert.Equal(t, "Bearer agent-secret", fake.Headers()[0].Get("Authorization"))
}

func TestSendMessage_PushConfigOnlyWhenSupported(t *testing.T) {
	fake := a2atest.New(a2atest.ModeAsync)
	url := fake.Start()
	defer fake.Close()

	c := a2a.NewClient(nil, 5*time.Second, nil)
	agent := agentAt(url, registry.Capabilities{PushNotifications: true})

	ch, err := c.SendMessage(context.Background(), agent, a2a.SendRequest{
		ContextID:   "ctx-1",
		Text:        "Start",
		CallbackURL: "https://desk.example.ts.net/webhook",
		Token:       "tok-1",
	})
	require.NoError(t, err)
	updates := collect(t, ch)
	require.Len(t, updates, 1)
	assert.Equal(t, a2a.StateSubmitted, updates[0].State)
	assert.NotEmpty(t, updates[0].TaskID)

	cfg := fake.Requests()[0].Configuration
	require.NotNil(t, cfg.PushNotificationConfig)
	assert.Equal(t, "https://desk.example.ts.net/webhook", cfg.PushNotificationConfig.URL)
	assert.Equal(t, "tok-1", cfg.PushNotificationConfig.Token)
	assert.Equal(t, []string{"Bearer"}, cfg.PushNotificationConfig.Authentication.Schemes)
	assert.False(t, cfg.Blocking)
}

func TestBuildSendParams_NoCallbackMeansNoPush(t *testing.T) {
	agent := agentAt("http://x", registry.Capabilities{PushNotifications: true})
	params := a2a.BuildSendParams(agent, a2a.SendRequest{Text: "hi", TaskID: "T9"})
	assert.Nil(t, params.Configuration.PushNotificationConfig)
	assert.Equal(t, "T9", params.TaskID)
	assert.Equal(t, "T9", params.Message.TaskID)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "pushNotificationConfig")
}

func TestSendMessage_StreamingArrivesInOrder(t *testing.T) {
	fake := a2atest.New(a2atest.ModeStream)
	fake.Reply = func(string) string { return "streamed answer" }
	url := fake.Start()
	defer fake.Close()

	c := a2a.NewClient(nil, 5*time.Second, nil)
	ch, err := c.SendMessage(context.Background(), agentAt(url, registry.Capabilities{Streaming: true}), a2a.SendRequest{Text: "go"})
	require.NoError(t, err)

	updates := collect(t, ch)
	require.Len(t, updates, 3)
	assert.Equal(t, a2a.StateSubmitted, updates[0].State)
	assert.Equal(t, a2a.StateWorking, updates[1].State)
	assert.Equal(t, a2a.StateCompleted, updates[2].State)
	assert.Equal(t, "streamed answer", updates[2].Text, "artifact text is carried to the terminal update")
	assert.Equal(t, "text/event-stream", fake.Headers()[0].Get("Accept"))
}

func TestSendMessage_StreamingAgentRepliesWithPlainJSON(t *testing.T) {
	fake := a2atest.New(a2atest.ModeSync)
	url := fake.Start()
	defer fake.Close()

	c := a2a.NewClient(nil, 5*time.Second, nil)
	ch, err := c.SendMessage(context.Background(), agentAt(url, registry.Capabilities{Streaming: true}), a2a.SendRequest{Text: "x"})
	require.NoError(t, err)

	updates := collect(t, ch)
	require.Len(t, updates, 1)
	assert.Equal(t, "Echo: x", updates[0].Text)
}

func TestSendMessage_StreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"kind\":\"status-update\",\"taskId\":\"T1\",\"status\":{\"state\":\"working\"}}}\n\n")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"error\":{\"code\":-32603,\"message\":\"agent blew up\"}}\n\n")
	}))
	defer srv.Close()

	c := a2a.NewClient(nil, 5*time.Second, nil)
	ch, err := c.SendMessage(context.Background(), agentAt(srv.URL, registry.Capabilities{Streaming: true}), a2a.SendRequest{Text: "x"})
	require.NoError(t, err)

	updates := collect(t, ch)
	require.Len(t, updates, 2)
	assert.Equal(t, a2a.StateWorking, updates[0].State)
	require.Error(t, updates[1].Err)
	assert.ErrorIs(t, updates[1].Err, apperr.ErrProtocol)
}

func TestSendMessage_InputRequiredThenContinue(t *testing.T) {
	fake := a2atest.New(a2atest.ModeSync)
	fake.Ask = "Which company?"
	url := fake.Start()
	defer fake.Close()

	c := a2a.NewClient(nil, 5*time.Second, nil)
	agent := agentAt(url, registry.Capabilities{})

	ch, err := c.SendMessage(context.Background(), agent, a2a.SendRequest{Text: "Start"})
	require.NoError(t, err)
	first := collect(t, ch)[0]
	assert.Equal(t, a2a.StateInputRequired, first.State)
	assert.Equal(t, "Which company?", first.Text)

	ch, err = c.SendMessage(context.Background(), agent, a2a.SendRequest{Text: "Acme", TaskID: first.TaskID})
	require.NoError(t, err)
	second := collect(t, ch)[0]
	assert.Equal(t, a2a.StateCompleted, second.State)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, "Echo: Acme", second.Text)
}

func TestGetAndCancelTask(t *testing.T) {
	fake := a2atest.New(a2atest.ModeAsync)
	url := fake.Start()
	defer fake.Close()

	c := a2a.NewClient(nil, 5*time.Second, nil)
	agent := agentAt(url, registry.Capabilities{})

	ch, err := c.SendMessage(context.Background(), agent, a2a.SendRequest{Text: "slow"})
	require.NoError(t, err)
	taskID := collect(t, ch)[0].TaskID

	got, err := c.GetTask(context.Background(), agent, taskID)
	require.NoError(t, err)
	assert.Equal(t, a2a.StateSubmitted, got.State)

	require.NoError(t, c.CancelTask(context.Background(), agent, taskID))
	assert.Equal(t, []string{taskID}, fake.Canceled())

	got, err = c.GetTask(context.Background(), agent, taskID)
	require.NoError(t, err)
	assert.Equal(t, a2a.StateCanceled, got.State)

	_, err = c.GetTask(context.Background(), agent, "missing")
	assert.ErrorIs(t, err, apperr.ErrProtocol)
}

func TestSendMessage_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    apperr.Kind
	}{
		{"non-2xx status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}, apperr.KindProtocol},
		{"malformed envelope", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"jsonrpc":`)
		}, apperr.KindProtocol},
		{"rpc error object", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":"1","error":{"code":-32602,"message":"bad params"}}`)
		}, apperr.KindProtocol},
		{"wrong version", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"jsonrpc":"1.0","id":"1","result":{}}`)
		}, apperr.KindProtocol},
		{"unknown state", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":"1","result":{"id":"T","status":{"state":"vibing"}}}`)
		}, apperr.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := a2a.NewClient(nil, 5*time.Second, nil)
			_, err := c.SendMessage(context.Background(), agentAt(srv.URL, registry.Capabilities{}), a2a.SendRequest{Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err))

			var ae *apperr.Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, "fake", ae.AgentID)
			assert.NotEmpty(t, ae.Payload)
		})
	}
}

func TestSendMessage_TransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := a2a.NewClient(nil, 5*time.Second, nil)
	_, err := c.SendMessage(context.Background(), agentAt(url, registry.Capabilities{}), a2a.SendRequest{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransport)
	assert.True(t, apperr.Retryable(err))

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	c = a2a.NewClient(nil, 50*time.Millisecond, nil)
	_, err = c.SendMessage(context.Background(), agentAt(slow.URL, registry.Capabilities{}), a2a.SendRequest{Text: "x"})
	assert.ErrorIs(t, err, apperr.ErrTransport)
}
