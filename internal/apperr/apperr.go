// ABOUTME: Error taxonomy shared by every component: configuration, transport, protocol,
// ABOUTME: authentication, timeout, and capacity failures with agent diagnostics attached

package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the purpose of surfacing and retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTransport
	KindProtocol
	KindAuthentication
	KindTimeout
	KindCapacity
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrTransport      = errors.New("transport error")
	ErrProtocol       = errors.New("protocol error")
	ErrAuthentication = errors.New("authentication error")
	ErrTimeout        = errors.New("timeout error")
	ErrCapacity       = errors.New("capacity error")
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindTimeout:
		return "timeout"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindTransport:
		return ErrTransport
	case KindProtocol:
		return ErrProtocol
	case KindAuthentication:
		return ErrAuthentication
	case KindTimeout:
		return ErrTimeout
	case KindCapacity:
		return ErrCapacity
	default:
		return nil
	}
}

// Error is a classified failure. AgentID and Payload are set for agent calls so
// protocol problems can be diagnosed from the raw response.
type Error struct {
	Kind    Kind
	Op      string
	AgentID string
	Payload []byte
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.AgentID != "" {
		msg += " (agent " + e.AgentID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// New builds a classified error for op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Configuration is shorthand for a configuration error.
func Configuration(op string, err error) *Error { return New(KindConfiguration, op, err) }

// Transport is shorthand for a transport error.
func Transport(op string, err error) *Error { return New(KindTransport, op, err) }

// Protocol builds a protocol error carrying the agent and raw payload.
func Protocol(op, agentID string, payload []byte, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, AgentID: agentID, Payload: payload, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether a user-triggered retry makes sense. Only transport
// failures qualify.
func Retryable(err error) bool {
	return KindOf(err) == KindTransport
}

// WithAgent returns err annotated with agentID when it is an *Error without one.
func WithAgent(err error, agentID string) error {
	var e *Error
	if errors.As(err, &e) && e.AgentID == "" {
		cp := *e
		cp.AgentID = agentID
		return &cp
	}
	return err
}
