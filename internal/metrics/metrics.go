// Package metrics provides Prometheus metrics for conversations and responses
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Response metrics
	ResponsesTotal    *prometheus.CounterVec
	ResponseDuration  *prometheus.HistogramVec
	ResponsesInFlight prometheus.Gauge

	// Context budget
	PromptModesTotal *prometheus.CounterVec

	// Rolling summary
	SummaryRefreshesTotal *prometheus.CounterVec

	// Tools
	ToolCallsTotal *prometheus.CounterVec
}

// New creates all metrics on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.ResponsesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebochat_responses_total",
			Help: "Total number of assistant responses by outcome",
		},
		[]string{"provider", "outcome"},
	)

	m.ResponseDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebochat_response_duration_seconds",
			Help:    "Time from request to finalized assistant message",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider"},
	)

	m.ResponsesInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebochat_responses_in_flight",
			Help: "Number of responses currently streaming",
		},
	)

	m.PromptModesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebochat_prompt_modes_total",
			Help: "Prompts built by context mode",
		},
		[]string{"purpose", "mode"},
	)

	m.SummaryRefreshesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebochat_summary_refreshes_total",
			Help: "Rolling summary refreshes by outcome",
		},
		[]string{"outcome"},
	)

	m.ToolCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebochat_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordResponse records a finished response
func (m *Metrics) RecordResponse(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(provider, outcome).Inc()
	m.ResponseDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ResponseStarted marks a response in flight and returns its completion func
func (m *Metrics) ResponseStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ResponsesInFlight.Inc()
	return m.ResponsesInFlight.Dec
}

// RecordPromptMode records which context mode a prompt used
func (m *Metrics) RecordPromptMode(purpose, mode string) {
	if m == nil {
		return
	}
	m.PromptModesTotal.WithLabelValues(purpose, mode).Inc()
}

// RecordSummary records a summary refresh outcome
func (m *Metrics) RecordSummary(outcome string) {
	if m == nil {
		return
	}
	m.SummaryRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordToolCall records a tool invocation
func (m *Metrics) RecordToolCall(tool string, isError bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if isError {
		outcome = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}
