// ABOUTME: Prometheus collectors for webhook traffic, task transitions, LLM and tool calls, threads
// ABOUTME: Collectors live on a private registry served by Handler

package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/agentdesk/internal/a2a"
	"github.com/2389/agentdesk/internal/apperr"
	"github.com/2389/agentdesk/internal/store"
	"github.com/2389/agentdesk/internal/tracker"
)

const namespace = "agentdesk"

// Metrics holds every collector the app records to.
type Metrics struct {
	registry *prometheus.Registry

	webhookRequests *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	threadsCreated  *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	pendingTasks    prometheus.GaugeFunc
	tunnelActive    prometheus.Gauge
}

// New registers the collectors on a fresh registry. pending reports the
// number of outstanding task correlations at scrape time; it may be nil.
func New(pending func() int) *Metrics {
	reg := prometheus.NewRegistry()
	if pending == nil {
		pending = func() int { return 0 }
	}

	m := &Metrics{
		registry: reg,
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Push notifications received, by outcome.",
		}, []string{"outcome"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Agent task state transitions, by target state and source.",
		}, []string{"state", "source"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM generations, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		threadsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threads_created_total",
			Help:      "Threads created, by owner kind.",
		}, []string{"owner_kind"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_tool_calls_total",
			Help:      "MCP tool calls, by server and outcome.",
		}, []string{"server", "outcome"}),
		pendingTasks: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Agent tasks awaiting an update.",
		}, func() float64 { return float64(pending()) }),
		tunnelActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_active",
			Help:      "1 when the public tunnel is up.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookRequests,
		m.taskTransitions,
		m.llmRequests,
		m.threadsCreated,
		m.toolCalls,
		m.pendingTasks,
		m.tunnelActive,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WebhookRequest records one receiver outcome.
func (m *Metrics) WebhookRequest(outcome string) {
	m.webhookRequests.WithLabelValues(outcome).Inc()
}

// TaskTransition records a tracker state change.
func (m *Metrics) TaskTransition(_, to a2a.TaskState, src tracker.Source) {
	m.taskTransitions.WithLabelValues(string(to), string(src)).Inc()
}

// LLMRequest records the final outcome of one generation.
func (m *Metrics) LLMRequest(provider string, err error) {
	m.llmRequests.WithLabelValues(provider, outcome(err)).Inc()
}

// ThreadCreated counts a new thread.
func (m *Metrics) ThreadCreated(kind store.OwnerKind) {
	m.threadsCreated.WithLabelValues(string(kind)).Inc()
}

// ToolCall records one MCP tool call outcome.
func (m *Metrics) ToolCall(server, outcome string) {
	m.toolCalls.WithLabelValues(server, outcome).Inc()
}

// SetTunnelActive flips the tunnel gauge.
func (m *Metrics) SetTunnelActive(up bool) {
	if up {
		m.tunnelActive.Set(1)
		return
	}
	m.tunnelActive.Set(0)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if k := apperr.KindOf(err); k != apperr.KindUnknown {
		return k.String()
	}
	return "error"
}
