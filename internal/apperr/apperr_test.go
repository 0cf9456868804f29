// ABOUTME: Tests for the error taxonomy
// ABOUTME: Covers kind matching through wrapping, retry classification, and agent annotation

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("sending: %w", Transport("agent/message", errors.New("connection refused")))

	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrProtocol)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestRetryableOnlyForTransport(t *testing.T) {
	assert.True(t, Retryable(Transport("op", errors.New("x"))))
	assert.False(t, Retryable(Protocol("op", "a1", nil, errors.New("x"))))
	assert.False(t, Retryable(Configuration("op", errors.New("x"))))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestProtocolErrorCarriesDiagnostics(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","error":{"code":-32600}}`)
	err := Protocol("agent/message", "interview_prep", raw, errors.New("invalid request"))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "interview_prep", e.AgentID)
	assert.Equal(t, raw, e.Payload)
	assert.Contains(t, err.Error(), "agent interview_prep")
	assert.Contains(t, err.Error(), "protocol error")
}

func TestWithAgentDoesNotMutateOriginal(t *testing.T) {
	orig := Transport("op", errors.New("boom"))
	annotated := WithAgent(orig, "a1")

	var e *Error
	require.ErrorAs(t, annotated, &e)
	assert.Equal(t, "a1", e.AgentID)
	assert.Empty(t, orig.AgentID)

	plain := errors.New("plain")
	assert.Same(t, plain, WithAgent(plain, "a1"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "capacity", KindCapacity.String())
	assert.Equal(t, "unknown", Kind(99).String())
	assert.Equal(t, KindUnknown, KindOf(nil))
}
