// ABOUTME: HTTP receiver for pushNotifications/send callbacks from agents
// ABOUTME: Validates token and envelope, drops duplicates, and publishes updates for the tracker

package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/dedupe"
	"github.com/2389/agentdesk/internal/tracker"
)

const (
	maxBodySize = 1 << 20

	// TokenHeader is the alternative header agents may use for the token.
	TokenHeader = "X-A2A-Notification-Token"

	// CodeUnauthorized and CodeRateLimited are server-defined JSON-RPC codes.
	CodeUnauthorized = -32010
	CodeRateLimited  = -32029

	defaultDedupeTTL = 10 * time.Minute
	maxFingerprints  = 10000
)

// Outcomes reported to Options.OnRequest.
const (
	OutcomeAccepted     = "accepted"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnknown      = "unknown"
	OutcomeUnauthorized = "unauthorized"
	OutcomeInvalid      = "invalid"
	OutcomeRateLimited  = "rate_limited"
)

// Authorizer matches a verified token against the call it was issued for.
type Authorizer interface {
	Authorize(taskID, callID, token string) error
}

// Options configures a Receiver.
type Options struct {
	// Path is where notifications are accepted. {Path}/{taskID} is accepted too.
	Path string
	// RPS limits accepted requests per second; zero disables limiting.
	RPS       float64
	Burst     int
	DedupeTTL time.Duration
	OnRequest func(outcome string)
}

// Receiver handles inbound push notifications.
type Receiver struct {
	router  chi.Router
	issuer  *Issuer
	auth    Authorizer
	out     chan<- tracker.Inbound
	seen    *dedupe.Cache
	limiter *rate.Limiter
	observe func(string)
	logger  *slog.Logger
}

// New creates a receiver that publishes authenticated updates on out.
func New(issuer *Issuer, auth Authorizer, out chan<- tracker.Inbound, opts Options, logger *slog.Logger) *Receiver {
	if opts.Path == "" {
		opts.Path = "/webhook"
	}
	opts.Path = "/" + strings.Trim(opts.Path, "/")
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = defaultDedupeTTL
	}
	if opts.OnRequest == nil {
		opts.OnRequest = func(string) {}
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Receiver{
		issuer:  issuer,
		auth:    auth,
		out:     out,
		seen:    dedupe.New(opts.DedupeTTL, maxFingerprints),
		observe: opts.OnRequest,
		logger:  logger.With("component", "webhook"),
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RPS) + 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	router.Group(func(push chi.Router) {
		push.Use(r.rateLimit)
		push.Post(opts.Path, r.handlePush)
		push.Post(opts.Path+"/{taskID}", r.handlePush)
	})
	r.router = router
	return r
}

// Router exposes the routes so callers can mount more, such as /metrics.
func (r *Receiver) Router() chi.Router { return r.router }

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}

// Close releases the duplicate cache.
func (r *Receiver) Close() { r.seen.Close() }

func (r *Receiver) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.limiter != nil && !r.limiter.Allow() {
			r.observe(OutcomeRateLimited)
			writeError(w, http.StatusTooManyRequests, nil, CodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// envelope is the inbound JSON-RPC request with params left raw.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (r *Receiver) handlePush(w http.ResponseWriter, req *http.Request) {
	token := extractToken(req)
	if token == "" {
		r.reject(w, nil, "missing token")
		return
	}
	claims, err := r.issuer.Verify(token)
	if err != nil {
		r.reject(w, nil, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		r.invalid(w, nil, a2a.CodeParseError, "reading body failed")
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		r.invalid(w, nil, a2a.CodeParseError, "malformed JSON")
		return
	}
	if env.JSONRPC != a2a.JSONRPCVersion {
		r.invalid(w, env.ID, a2a.CodeInvalidRequest, `jsonrpc must be "2.0"`)
		return
	}
	if env.Method != a2a.MethodPushNotification {
		r.invalid(w, env.ID, a2a.CodeMethodNotFound, "unsupported method "+env.Method)
		return
	}

	var params a2a.PushParams
	if err := json.Unmarshal(env.Params, &params); err != nil || params.Task == nil || params.Task.ID == "" {
		r.invalid(w, env.ID, a2a.CodeInvalidParams, "params.task with an id is required")
		return
	}
	task := params.Task
	if pathID := chi.URLParam(req, "taskID"); pathID != "" && pathID != task.ID {
		r.invalid(w, env.ID, a2a.CodeInvalidParams, "task id does not match path")
		return
	}

	if err := r.auth.Authorize(task.ID, claims.CallID, token); err != nil {
		switch {
		case errors.Is(err, tracker.ErrUnknownTask), errors.Is(err, tracker.ErrFinishedTask):
			r.logger.Info("dropping notification", "task_id", task.ID, "thread_id", claims.ThreadID, "reason", err)
			r.observe(OutcomeUnknown)
			writeAck(w, env.ID)
		default:
			r.reject(w, env.ID, err.Error())
		}
		return
	}

	raw, _ := json.Marshal(task)
	update, err := a2a.TaskUpdate(task, raw)
	if err != nil {
		r.invalid(w, env.ID, a2a.CodeInvalidParams, err.Error())
		return
	}

	if r.seen.CheckAndMark(dedupe.Fingerprint(claims.CallID, string(raw))) {
		r.logger.Debug("duplicate notification", "task_id", task.ID, "state", update.State)
		r.observe(OutcomeDuplicate)
		writeAck(w, env.ID)
		return
	}

	select {
	case r.out <- tracker.Inbound{CallID: claims.CallID, Update: update}:
	case <-req.Context().Done():
		// Forget it so the agent's retry is not taken for a duplicate.
		r.seen.Forget(dedupe.Fingerprint(claims.CallID, string(raw)))
		return
	}

	r.logger.Info("notification accepted",
		"task_id", task.ID,
		"thread_id", claims.ThreadID,
		"state", update.State,
	)
	r.observe(OutcomeAccepted)
	writeAck(w, env.ID)
}

func (r *Receiver) reject(w http.ResponseWriter, id any, reason string) {
	r.logger.Warn("notification rejected", "reason", reason)
	r.observe(OutcomeUnauthorized)
	writeError(w, http.StatusUnauthorized, id, CodeUnauthorized, "unauthorized")
}

func (r *Receiver) invalid(w http.ResponseWriter, id any, code int, msg string) {
	r.logger.Warn("invalid notification", "code", code, "reason", msg)
	r.observe(OutcomeInvalid)
	writeError(w, http.StatusBadRequest, id, code, msg)
}

// extractToken reads a bearer token, falling back to TokenHeader.
func extractToken(req *http.Request) string {
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(req.Header.Get(TokenHeader))
}

func writeAck(w http.ResponseWriter, id any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": a2a.JSONRPCVersion,
		"result":  map[string]bool{"acknowledged": true},
		"id":      id,
	})
}

func writeError(w http.ResponseWriter, status int, id any, code int, msg string) {
	writeJSON(w, status, map[string]any{
		"jsonrpc": a2a.JSONRPCVersion,
		"error":   a2a.RPCError{Code: code, Message: msg},
		"id":      id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
